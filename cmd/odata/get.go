package main

import (
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/odata-client/pkg/pagination"
	"github.com/Sternrassler/odata-client/pkg/query"
	"github.com/spf13/cobra"
)

type getOptions struct {
	selectFields []string
	filter       string
	top          int
	skip         int
	orderBy      []string
	expand       []string
	count        bool
	all          bool
	pageSize     int
	concurrency  int
}

func newGetCmd(global *globalOptions) *cobra.Command {
	opts := &getOptions{}

	cmd := &cobra.Command{
		Use:   "get <resource>",
		Short: "Read an entity or collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := opts.queryOptions(cmd)

			c, err := global.newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			if opts.all {
				return runGetAll(cmd, c, args[0], q, opts)
			}

			var payload json.RawMessage
			if err := c.GetJSON(cmd.Context(), args[0], q, &payload); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), payload)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.selectFields, "select", nil, "properties to select ($select)")
	f.StringVar(&opts.filter, "filter", "", "filter expression ($filter)")
	f.IntVar(&opts.top, "top", 0, "maximum number of entities ($top)")
	f.IntVar(&opts.skip, "skip", 0, "entities to skip ($skip)")
	f.StringSliceVar(&opts.orderBy, "orderby", nil, "ordering clauses ($orderby)")
	f.StringSliceVar(&opts.expand, "expand", nil, "navigation properties to expand ($expand)")
	f.BoolVar(&opts.count, "count", false, "request the total count ($count)")
	f.BoolVar(&opts.all, "all", false, "fetch every page through $batch calls")
	f.IntVar(&opts.pageSize, "page-size", pagination.DefaultConfig().PageSize, "page size with --all")
	f.IntVar(&opts.concurrency, "concurrency", pagination.DefaultConfig().MaxConcurrency, "parallel $batch calls with --all")

	return cmd
}

// queryOptions maps the flags to query options. $top and $skip are only set
// when given.
func (o *getOptions) queryOptions(cmd *cobra.Command) *query.Options {
	q := &query.Options{
		Select:  o.selectFields,
		Filter:  o.filter,
		OrderBy: o.orderBy,
		Count:   o.count,
	}
	if cmd.Flags().Changed("top") {
		q.Top = query.Int(o.top)
	}
	if cmd.Flags().Changed("skip") {
		q.Skip = query.Int(o.skip)
	}
	for _, p := range o.expand {
		q.Expand = append(q.Expand, query.Expand{Property: p})
	}
	return q
}

func runGetAll(cmd *cobra.Command, backend pagination.Backend, resource string, q *query.Options, opts *getOptions) error {
	cfg := pagination.DefaultConfig()
	cfg.PageSize = opts.pageSize
	cfg.MaxConcurrency = opts.concurrency

	result, err := pagination.NewBatchFetcher(backend, cfg).FetchAll(cmd.Context(), resource, q)
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		cmd.PrintErrf("Warning: %v\n", err)
	}

	out := struct {
		Count *int              `json:"@odata.count,omitempty"`
		Value []json.RawMessage `json:"value"`
	}{Value: result.Items()}
	if out.Value == nil {
		out.Value = []json.RawMessage{}
	}
	if result.Total >= 0 {
		out.Count = &result.Total
	}
	if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
