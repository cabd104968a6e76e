package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newTriggerCommand(a *app) *cobra.Command {
	var file, id string
	cmd := &cobra.Command{
		Use:   "trigger [alarm text]",
		Short: "Submit an alarm and start an investigation",
		Long: "Submit an alarm from a file (-f), from stdin (-f -) or as free text.\n" +
			"JSON objects and CloudWatch SNS notifications are accepted.",
		Example: "  kubilitics-rca trigger -f alarm.json\n" +
			"  kubilitics-rca trigger \"checkout p99 latency above 2s\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := a.alarmBody(file, args)
			if err != nil {
				return err
			}
			target := "/api/v1/alarms"
			if id != "" {
				target += "?investigation_id=" + url.QueryEscape(id)
			}
			return a.call(cmd.Context(), http.MethodPost, target, "text/plain", body, http.StatusAccepted)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "alarm file, or - for stdin")
	cmd.Flags().StringVar(&id, "id", "", "investigation id (generated when empty)")
	return cmd
}

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <investigation-id>",
		Short: "Show an investigation with its tasks and report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd.Context(), http.MethodGet, "/api/v1/investigations/"+url.PathEscape(args[0]), "", nil, http.StatusOK)
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List investigations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := fmt.Sprintf("/api/v1/investigations?limit=%d&offset=%d", limit, offset)
			return a.call(cmd.Context(), http.MethodGet, target, "", nil, http.StatusOK)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of investigations")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of investigations to skip")
	return cmd
}

func newOverrideCommand(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "override <investigation-id> <CONCLUDED|FAILED>",
		Short: "Force an investigation into a terminal status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := strings.ToUpper(args[1])
			if status != "CONCLUDED" && status != "FAILED" {
				return fmt.Errorf("status must be CONCLUDED or FAILED, got %q", args[1])
			}
			body, err := json.Marshal(map[string]string{"status": status, "reason": reason})
			if err != nil {
				return err
			}
			target := "/api/v1/investigations/" + url.PathEscape(args[0]) + "/override"
			return a.call(cmd.Context(), http.MethodPost, target, "application/json", body, http.StatusOK)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the timeline")
	return cmd
}

func newDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <investigation-id>",
		Short: "Delete an investigation and its workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.call(cmd.Context(), http.MethodDelete, "/api/v1/investigations/"+url.PathEscape(args[0]), "", nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "deleted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) alarmBody(file string, args []string) ([]byte, error) {
	switch {
	case file == "-":
		return io.ReadAll(a.stdin)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read alarm: %w", err)
		}
		return b, nil
	case len(args) > 0:
		return []byte(strings.Join(args, " ")), nil
	default:
		return nil, fmt.Errorf("an alarm is required: pass -f <file> or the alarm text")
	}
}

// call performs one API request and pretty-prints the JSON response.
func (a *app) call(ctx context.Context, method, target, contentType string, body []byte, want int) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.apiURL, "/")+target, rd)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected HTTP %d from %s", resp.StatusCode, target)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, err = a.stdout.Write(data)
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(a.stdout)
	return err
}
