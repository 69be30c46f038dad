package cli

import (
	"fmt"

	"github.com/lightforgemedia/go-dcrf/pkg/envelope"
	"github.com/spf13/cobra"
)

var (
	listCmd = &cobra.Command{
		Use:   "list [stream] [filters]",
		Short: "List the instances of a stream",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withClient(func(cmd *cobra.Command, args []string, s *session) error {
			data, err := parseData(optional(args, 1))
			if err != nil {
				return err
			}
			res, err := s.cli.List(cmd.Context(), args[0], data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
	createCmd = &cobra.Command{
		Use:   "create [stream] [data]",
		Short: "Create an instance",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(cmd *cobra.Command, args []string, s *session) error {
			data, err := parseData(args[1])
			if err != nil {
				return err
			}
			res, err := s.cli.Create(cmd.Context(), args[0], data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
	retrieveCmd = &cobra.Command{
		Use:   "retrieve [stream] [pk]",
		Short: "Fetch one instance",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(cmd *cobra.Command, args []string, s *session) error {
			res, err := s.cli.Retrieve(cmd.Context(), args[0], parsePK(args[1]), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
	updateCmd = &cobra.Command{
		Use:   "update [stream] [pk] [data]",
		Short: "Replace an instance",
		Args:  cobra.ExactArgs(3),
		RunE:  withClient(modify(false)),
	}
	patchCmd = &cobra.Command{
		Use:   "patch [stream] [pk] [data]",
		Short: "Change some fields of an instance",
		Args:  cobra.ExactArgs(3),
		RunE:  withClient(modify(true)),
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [stream] [pk]",
		Short: "Delete an instance",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(cmd *cobra.Command, args []string, s *session) error {
			if _, err := s.cli.Delete(cmd.Context(), args[0], parsePK(args[1]), nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted successfully")
			return nil
		}),
	}
	requestCmd = &cobra.Command{
		Use:   "request [stream] [payload]",
		Short: "Send a raw payload and print the response data",
		Long: wrapString(`Sends the payload as is, with a request_id added, and waits for
the response carrying the same request_id. Use this for custom actions.`),
		Args: cobra.ExactArgs(2),
		RunE: withClient(func(cmd *cobra.Command, args []string, s *session) error {
			payload, err := parseData(args[1])
			if err != nil {
				return err
			}
			res, err := s.cli.Request(cmd.Context(), args[0], envelope.Payload(payload))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
)

func modify(partial bool) func(*cobra.Command, []string, *session) error {
	return func(cmd *cobra.Command, args []string, s *session) error {
		data, err := parseData(args[2])
		if err != nil {
			return err
		}
		op := s.cli.Update
		if partial {
			op = s.cli.Patch
		}
		res, err := op(cmd.Context(), args[0], parsePK(args[1]), data)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	}
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
