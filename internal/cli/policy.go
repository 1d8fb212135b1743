package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/spaceai-control-plane/internal/capability"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/policy"
)

var (
	evalAction  string
	evalMode    string
	evalTrust   int
	evalDefault string
)

func init() {
	rootCmd.AddCommand(policyCmd, contractsCmd)
	policyCmd.AddCommand(policyCheckCmd, policyEvalCmd)
	contractsCmd.AddCommand(contractsCheckCmd)

	policyEvalCmd.Flags().StringVar(&evalAction, "action", "", "Action to evaluate (required)")
	policyEvalCmd.Flags().StringVar(&evalMode, "mode", "", "Session mode, e.g. DEMO or PROD")
	policyEvalCmd.Flags().IntVar(&evalTrust, "trust", 0, "Trust level 0..6")
	policyEvalCmd.Flags().StringVar(&evalDefault, "default", string(domain.DecisionAllow), "Decision when no rule matches (ALLOW|DENY)")
	_ = policyEvalCmd.MarkFlagRequired("action")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect policy rule files",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <rules.yaml>",
	Short: "Validate a rule file and list rules in evaluation order",
	Long:  "Exit code 0 if the file loads cleanly. Use in CI before signaling a reload.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyCheck,
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	rules, err := policy.LoadFile(args[0])
	if err != nil {
		return err
	}
	// Порядок вычисления задает Engine
	ordered := policy.NewEngine(rules).Rules()

	out := cmd.OutOrStdout()
	if outFormat == "json" {
		return printJSON(out, ordered)
	}
	fmt.Fprintf(out, "%s: %d rules OK\n", args[0], len(ordered))
	for _, r := range ordered {
		fmt.Fprintf(out, "  %-20s %-8s %-6s prio=%-4d prefix=%s\n", r.ID, r.Policy, r.Decision, r.Priority, r.ActionPrefix)
	}
	return nil
}

var policyEvalCmd = &cobra.Command{
	Use:   "eval <rules.yaml>",
	Short: "Dry-run one decision against a rule file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyEval,
}

func runPolicyEval(cmd *cobra.Command, args []string) error {
	rules, err := policy.LoadFile(args[0])
	if err != nil {
		return err
	}
	engine := policy.NewEngine(rules, policy.WithDefaultDecision(domain.Decision(evalDefault)))
	d := engine.Evaluate(policy.Input{Action: evalAction, Mode: evalMode, TrustLevel: evalTrust})

	out := cmd.OutOrStdout()
	if outFormat == "json" {
		return printJSON(out, d)
	}
	fmt.Fprintf(out, "%s rule=%s policy=%s\n", d.Decision, d.RuleID, d.Policy)
	if d.Message != "" {
		fmt.Fprintf(out, "  %s\n", d.Message)
	}
	if d.Payload.Remediation != "" {
		fmt.Fprintf(out, "  fix: %s\n", d.Payload.Remediation)
	}
	return nil
}

var contractsCmd = &cobra.Command{
	Use:   "contracts",
	Short: "Inspect capability contract files",
}

var contractsCheckCmd = &cobra.Command{
	Use:   "check <capabilities.yaml>",
	Short: "Validate a contract file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := capability.LoadContractsFile(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, a := range doc.Agents {
			for _, c := range a.Capabilities {
				fmt.Fprintf(out, "%s.%s callers=%v fields=%v\n", a.ID, c.Name, c.AllowedCallers, c.ExposedFields)
			}
		}
		return nil
	},
}
