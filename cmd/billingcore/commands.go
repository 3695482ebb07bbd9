package main

import (
    "context"
    "fmt"
    "os"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"
)

var (
    green  = color.New(color.FgGreen).SprintFunc()
    red    = color.New(color.FgRed).SprintFunc()
    yellow = color.New(color.FgYellow).SprintFunc()
)

func createAccountCommands() *cobra.Command {
    accountCmd := &cobra.Command{
        Use:   "account",
        Short: "Inspect billing accounts",
    }

    var limit int
    getCmd := &cobra.Command{
        Use:   "get <account_number>",
        Short: "Show a single account",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            acct, err := acctStore.GetByNumber(ctx, args[0])
            if err != nil {
                return fmt.Errorf("failed to fetch account: %w", err)
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"ID", "Number", "Type", "Balance", "Credit Limit", "Status", "Max Concurrent"})
            table.SetBorder(false)
            table.Append([]string{
                fmt.Sprintf("%d", acct.ID), acct.AccountNumber, string(acct.Type),
                acct.Balance.String(), acct.CreditLimit.String(), statusColor(string(acct.Status)),
                fmt.Sprintf("%d", acct.MaxConcurrentCalls),
            })
            table.Render()
            return nil
        },
    }

    listCmd := &cobra.Command{
        Use:   "list",
        Short: "List accounts",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            accounts, err := acctStore.List(ctx, limit)
            if err != nil {
                return fmt.Errorf("failed to list accounts: %w", err)
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"ID", "Number", "Type", "Balance", "Credit Limit", "Status"})
            table.SetBorder(false)
            for _, acct := range accounts {
                table.Append([]string{
                    fmt.Sprintf("%d", acct.ID), acct.AccountNumber, string(acct.Type),
                    acct.Balance.String(), acct.CreditLimit.String(), statusColor(string(acct.Status)),
                })
            }
            table.Render()
            return nil
        },
    }
    listCmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")

    accountCmd.AddCommand(getCmd, listCmd)
    return accountCmd
}

func createRateCommands() *cobra.Command {
    rateCmd := &cobra.Command{
        Use:   "rate",
        Short: "Inspect the rate table",
    }

    var limit int
    listCmd := &cobra.Command{
        Use:   "list",
        Short: "List rate tariffs",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            tariffs, err := rateStore.List(ctx, limit)
            if err != nil {
                return fmt.Errorf("failed to list rate tariffs: %w", err)
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Prefix", "Name", "Rate/min", "Increment", "Connection Fee", "Priority", "Effective Start"})
            table.SetBorder(false)
            for _, t := range tariffs {
                table.Append([]string{
                    t.DestinationPrefix, t.DestinationName, t.RatePerMinute.String(),
                    fmt.Sprintf("%ds", t.BillingIncrementSeconds), t.ConnectionFee.String(),
                    fmt.Sprintf("%d", t.Priority), t.EffectiveStart.Format("2006-01-02"),
                })
            }
            table.Render()
            return nil
        },
    }
    listCmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to show")

    rateCmd.AddCommand(listCmd)
    return rateCmd
}

func createReservationCommands() *cobra.Command {
    reservationCmd := &cobra.Command{
        Use:   "reservation",
        Short: "Inspect reservations",
    }

    var limit int
    activeCmd := &cobra.Command{
        Use:   "active",
        Short: "List active and partially-consumed reservations",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            reservations, err := reservStore.ListActive(ctx, limit)
            if err != nil {
                return fmt.Errorf("failed to list active reservations: %w", err)
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"ID", "Account", "Call UUID", "Reserved", "Consumed", "Released", "Status", "Expires"})
            table.SetBorder(false)
            for _, r := range reservations {
                table.Append([]string{
                    r.ID, fmt.Sprintf("%d", r.AccountID), r.CallUUID,
                    r.ReservedAmount.String(), r.ConsumedAmount.String(), r.ReleasedAmount.String(),
                    string(r.Status), r.ExpiresAt.Format("15:04:05"),
                })
            }
            table.Render()
            return nil
        },
    }
    activeCmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")

    reservationCmd.AddCommand(activeCmd)
    return reservationCmd
}

func createCDRCommands() *cobra.Command {
    cdrCmd := &cobra.Command{
        Use:   "cdr",
        Short: "Inspect call detail records",
    }

    var limit int
    listCmd := &cobra.Command{
        Use:   "list",
        Short: "List recent CDRs",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            records, err := cdrStore.ListRecent(ctx, limit)
            if err != nil {
                return fmt.Errorf("failed to list cdrs: %w", err)
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Call UUID", "Account", "Caller", "Callee", "Duration", "Billed", "Cost", "Cause"})
            table.SetBorder(false)
            for _, c := range records {
                table.Append([]string{
                    c.CallUUID, fmt.Sprintf("%d", c.AccountID), c.Caller, c.Callee,
                    fmt.Sprintf("%ds", c.DurationSeconds), fmt.Sprintf("%ds", c.BillableSeconds),
                    c.Cost.String(), c.HangupCause,
                })
            }
            table.Render()
            return nil
        },
    }
    listCmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")

    cdrCmd.AddCommand(listCmd)
    return cdrCmd
}

func statusColor(status string) string {
    switch status {
    case "active":
        return green(status)
    case "suspended":
        return yellow(status)
    case "closed":
        return red(status)
    default:
        return status
    }
}
