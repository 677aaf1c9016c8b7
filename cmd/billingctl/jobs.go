package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Schedule provider jobs by hand",
	}

	createPayment := &cobra.Command{
		Use:   "create-payment <organization-id> <invoice-id>",
		Short: "Schedule the NOWPayments invoice creation for an invoice",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, target, err := parseIDs(args)
			if err != nil {
				return err
			}
			a, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Jobs.EnqueuePaymentCreate(cmd.Context(), org, target); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scheduled")
			return nil
		},
	}

	refresh := &cobra.Command{
		Use:   "refresh-payment <organization-id> <payment-id>",
		Short: "Schedule a provider status refresh for a payment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, target, err := parseIDs(args)
			if err != nil {
				return err
			}
			a, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Jobs.EnqueuePaymentRefresh(cmd.Context(), org, target); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scheduled")
			return nil
		},
	}

	registerCustomer := &cobra.Command{
		Use:   "create-customer <organization-id> <customer-id>",
		Short: "Schedule provider customer registration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, target, err := parseIDs(args)
			if err != nil {
				return err
			}
			a, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Jobs.EnqueueCustomerCreate(cmd.Context(), org, target); err != nil {
				return err
			}
			if err := a.Jobs.EnqueueCheckoutURL(cmd.Context(), org, target); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scheduled")
			return nil
		},
	}

	cmd.AddCommand(createPayment, refresh, registerCustomer)
	return cmd
}

func parseIDs(args []string) (uuid.UUID, uuid.UUID, error) {
	org, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid organization id: %w", err)
	}
	id, err := uuid.Parse(args[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid id: %w", err)
	}
	return org, id, nil
}
