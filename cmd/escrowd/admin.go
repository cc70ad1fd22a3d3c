package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/escrowd/escrowd/pkg/client"
)

// apiClient builds a client from the shared --server / --token flags.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	c := client.New(server)

	if token, _ := cmd.Flags().GetString("token"); token != "" {
		signer, err := client.HMACSigner(token)
		if err != nil {
			return nil, err
		}
		c = c.Signed(signer)
	}
	return c, nil
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// Recovery configuration commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage recovery configurations",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recovery configurations",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		configs, err := c.ListConfigs()
		if err != nil {
			return err
		}
		fmt.Printf("%-38s %-8s %-22s %-22s\n", "UUID", "STATE", "STAGED", "ACTIVATED")
		for _, cfg := range configs {
			fmt.Printf("%-38s %-8s %-22s %-22s\n",
				cfg.UUID, cfg.State(), timeOrDash(cfg.Staged), timeOrDash(cfg.Activated))
		}
		return nil
	},
}

var configCreateCmd = &cobra.Command{
	Use:   "create TEMPLATE_FILE",
	Short: "Create a recovery configuration from an eBox template file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		template, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		cfg, created, err := c.CreateConfig(string(template))
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("created %s\n", cfg.UUID)
		} else {
			fmt.Printf("exists %s\n", cfg.UUID)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show UUID",
	Short: "Show one recovery configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		cfg, err := c.GetConfig(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("UUID:      %s\n", cfg.UUID)
		fmt.Printf("State:     %s\n", cfg.State())
		fmt.Printf("Created:   %s\n", cfg.Created.Format(time.RFC3339))
		fmt.Printf("Staged:    %s\n", timeOrDash(cfg.Staged))
		fmt.Printf("Activated: %s\n", timeOrDash(cfg.Activated))
		fmt.Printf("Expired:   %s\n", timeOrDash(cfg.Expired))
		return nil
	},
}

var configActionCmd = &cobra.Command{
	Use:   "action UUID VERB",
	Short: "Run a lifecycle action (stage, unstage, activate, deactivate, expire, reactivate, cancel)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		opts := &client.ActionOptions{}
		opts.PIVToken, _ = cmd.Flags().GetString("pivtoken")
		opts.Force, _ = cmd.Flags().GetBool("force")
		opts.Concurrency, _ = cmd.Flags().GetInt("concurrency")

		location, err := c.ConfigAction(args[0], args[1], opts)
		if err != nil {
			return err
		}
		if location == "" {
			fmt.Println("done")
			return nil
		}

		wait, _ := cmd.Flags().GetBool("wait")
		if !wait {
			fmt.Printf("scheduled, watch at %s\n", location)
			return nil
		}

		for {
			progress, err := c.Watch(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%d/%d targets complete\n", progress.Completed, progress.Targets)
			if progress.Finished {
				if errs := progress.Transition.RealErrs(); len(errs) > 0 {
					for _, e := range errs {
						fmt.Printf("  %s: %s %s\n", e.Target, e.Code, e.Message)
					}
					return fmt.Errorf("transition finished with %d errors", len(errs))
				}
				fmt.Println("done")
				return nil
			}
			time.Sleep(2 * time.Second)
		}
	},
}

var configDeleteCmd = &cobra.Command{
	Use:   "delete UUID",
	Short: "Delete a recovery configuration with no live recovery tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		return c.DeleteConfig(args[0])
	},
}

func init() {
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configActionCmd)
	configCmd.AddCommand(configDeleteCmd)

	configActionCmd.Flags().String("pivtoken", "", "Narrow the fan-out to one PIV token's node")
	configActionCmd.Flags().Bool("force", false, "Override the full-staging check")
	configActionCmd.Flags().Int("concurrency", 0, "Parallel node-agent submissions")
	configActionCmd.Flags().Bool("wait", false, "Poll the watch view until the transition finishes")
}

// PIV token commands
var pivtokenCmd = &cobra.Command{
	Use:   "pivtoken",
	Short: "Manage PIV tokens",
}

var pivtokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled PIV tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		tokens, err := c.ListPIVTokens(limit, offset)
		if err != nil {
			return err
		}
		fmt.Printf("%-34s %-38s %-8s\n", "GUID", "CN_UUID", "TOKENS")
		for _, t := range tokens {
			fmt.Printf("%-34s %-38s %-8d\n", t.GUID, t.CNUUID, len(t.RecoveryTokens))
		}
		return nil
	},
}

var pivtokenShowCmd = &cobra.Command{
	Use:   "show GUID",
	Short: "Show one PIV token and its recovery token chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		token, err := c.GetPIVToken(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("GUID:    %s\n", token.GUID)
		fmt.Printf("CN:      %s\n", token.CNUUID)
		fmt.Printf("Serial:  %s\n", token.Serial)
		fmt.Printf("Model:   %s\n", token.Model)
		fmt.Printf("Created: %s\n", token.Created.Format(time.RFC3339))
		for _, rt := range token.RecoveryTokens {
			fmt.Printf("  %s config=%s staged=%s activated=%s expired=%s\n",
				rt.UUID, rt.RecoveryConfiguration,
				timeOrDash(rt.Staged), timeOrDash(rt.Activated), timeOrDash(rt.Expired))
		}
		return nil
	},
}

var pivtokenDeleteCmd = &cobra.Command{
	Use:   "delete GUID",
	Short: "Unenroll a PIV token (archives it to history)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		return c.DeletePIVToken(args[0])
	},
}

func init() {
	pivtokenCmd.AddCommand(pivtokenListCmd)
	pivtokenCmd.AddCommand(pivtokenShowCmd)
	pivtokenCmd.AddCommand(pivtokenDeleteCmd)

	pivtokenListCmd.Flags().Int("limit", 0, "Page size")
	pivtokenListCmd.Flags().Int("offset", 0, "Page offset")

	for _, cmd := range []*cobra.Command{configCmd, pivtokenCmd} {
		cmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "escrowd API base URL")
		cmd.PersistentFlags().String("token", "", "Recovery token (hex) used to sign requests")
	}
}
