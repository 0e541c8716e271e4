package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/Sternrassler/odata-client/pkg/batch"
	"github.com/Sternrassler/odata-client/pkg/client"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// batchFile is a YAML batch definition:
//
//	use_changeset: true
//	requests:
//	  - method: GET
//	    path: Products(1)
//	  - changeset:
//	      - method: POST
//	        path: Orders
//	        body: {CustomerId: 7}
//	      - method: POST
//	        path: $1/Lines
//	        body: {ProductId: 1}
type batchFile struct {
	UseChangeset *bool       `yaml:"use_changeset"`
	Items        []batchItem `yaml:"requests"`
}

// batchItem is either a single request or, when Changeset is set, a group of
// write requests.
type batchItem struct {
	requestDef `yaml:",inline"`
	Changeset  []requestDef `yaml:"changeset" json:"changeset,omitempty"`
}

type requestDef struct {
	Method    string            `yaml:"method" json:"method"`
	Path      string            `yaml:"path" json:"path"`
	Headers   map[string]string `yaml:"headers" json:"headers,omitempty"`
	Body      any               `yaml:"body" json:"body,omitempty"`
	ContentID string            `yaml:"content_id" json:"content_id,omitempty"`
}

// outcomeView is the printed form of a batch outcome.
type outcomeView struct {
	Index     int    `json:"index"`
	ContentID string `json:"content_id,omitempty"`
	Status    int    `json:"status,omitempty"`
	Body      any    `json:"body,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newBatchCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <file.yaml>",
		Short: "Run a YAML batch definition as one $batch call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadBatchFile(args[0])
			if err != nil {
				return err
			}

			c, err := global.newClient(func(cfg *client.Config) {
				if def.UseChangeset != nil {
					cfg.Batch.UseChangeset = *def.UseChangeset
				}
			})
			if err != nil {
				return err
			}
			defer c.Close()

			views, err := runBatch(cmd.Context(), c, def.Items)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), views)
		},
	}
}

func loadBatchFile(path string) (*batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var def batchFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse batch file %s: %w", path, err)
	}
	if len(def.Items) == 0 {
		return nil, fmt.Errorf("batch file %s has no requests", path)
	}
	return &def, nil
}

// batchBackend creates coordinators. *client.Client implements it.
type batchBackend interface {
	NewBatch(opts ...batch.Option) (*batch.Coordinator, error)
}

// runBatch enqueues items on a fresh coordinator, flushes it and returns one
// view per request in enqueue order.
func runBatch(ctx context.Context, backend batchBackend, items []batchItem) ([]outcomeView, error) {
	coord, err := backend.NewBatch()
	if err != nil {
		return nil, err
	}

	for i, item := range items {
		if len(item.Changeset) > 0 {
			reqs := make([]*batch.Request, 0, len(item.Changeset))
			for j, def := range item.Changeset {
				req, err := def.toRequest()
				if err != nil {
					return nil, fmt.Errorf("item %d member %d: %w", i, j, err)
				}
				reqs = append(reqs, req)
			}
			cs, err := batch.NewChangeset(reqs...)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			if _, err := coord.EnqueueChangeset(cs); err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			continue
		}

		req, err := item.toRequest()
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if _, err := coord.Enqueue(req); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}

	outcomes, err := coord.Flush(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]outcomeView, len(outcomes))
	for i, o := range outcomes {
		views[i] = viewOutcome(i, o)
	}
	return views, nil
}

func (s requestDef) toRequest() (*batch.Request, error) {
	method := s.Method
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	switch b := s.Body.(type) {
	case nil:
	case string:
		body = []byte(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = data
	}

	req, err := batch.NewRequest(method, s.Path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range s.Headers {
		req.SetHeader(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.SetHeader("Content-Type", "application/json")
	}
	if s.ContentID != "" {
		req.WithContentID(s.ContentID)
	}
	return req, nil
}

func viewOutcome(index int, o batch.Outcome) outcomeView {
	v := outcomeView{Index: index, ContentID: o.ContentID, Status: o.StatusCode}
	if err := client.OutcomeError(o); err != nil {
		v.Error = err.Error()
	}
	if len(o.Body) > 0 {
		if json.Valid(o.Body) {
			v.Body = json.RawMessage(o.Body)
		} else {
			v.Body = strings.TrimSpace(string(o.Body))
		}
	}
	return v
}
