package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"quantlab_backend/client"
)

var runGroups = []string{"backtest", "optimization", "attribution"}

func validateGroup(group string) error {
	if group == "dataset" {
		return nil
	}
	return validateRunGroup(group)
}

func validateRunGroup(group string) error {
	for _, g := range runGroups {
		if g == group {
			return nil
		}
	}
	return fmt.Errorf("unknown group %q (want one of %s)", group, strings.Join(runGroups, ", "))
}

type datasetBody struct {
	Name           string `json:"name"`
	Preset         string `json:"preset"`
	Overwrite      bool   `json:"overwrite,omitempty"`
	TimeoutMinutes *int   `json:"timeoutMinutes,omitempty"`
}

func newAPI(cmd *cli.Command) *client.API {
	return client.NewAPI(cmd.String("server"), cmd.String("token"), cmd.Duration("http-timeout"))
}

func datasetRequest(cmd *cli.Command, overwrite bool) datasetBody {
	body := datasetBody{Name: cmd.String("name"), Preset: cmd.String("preset"), Overwrite: overwrite}
	if minutes := int(cmd.Int("timeout")); minutes > 0 {
		body.TimeoutMinutes = &minutes
	}
	return body
}

// DatasetCreateAction submits a dataset build.
func DatasetCreateAction(ctx context.Context, cmd *cli.Command) error {
	return submitAndWatch(ctx, cmd, "/dataset", "dataset", datasetRequest(cmd, cmd.Bool("overwrite")))
}

// DatasetResumeAction submits a dataset resume.
func DatasetResumeAction(ctx context.Context, cmd *cli.Command) error {
	return submitAndWatch(ctx, cmd, "/dataset/resume", "dataset", datasetRequest(cmd, false))
}

// SubmitAction posts a JSON request file to one of the analysis endpoints.
func SubmitAction(ctx context.Context, cmd *cli.Command) error {
	raw, err := readBody(cmd.String("file"), cmd.Root().Reader)
	if err != nil {
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("%s is not valid JSON", cmd.String("file"))
	}
	group := cmd.String("group")
	return submitAndWatch(ctx, cmd, "/"+group, group, json.RawMessage(raw))
}

// JobWatchAction polls an existing job.
func JobWatchAction(ctx context.Context, cmd *cli.Command) error {
	tracker := client.NewTracker(newAPI(cmd), cmd.String("group"))
	tracker.Track(cmd.String("id"))
	return watch(ctx, cmd, tracker)
}

// JobCancelAction requests cancellation of a job.
func JobCancelAction(ctx context.Context, cmd *cli.Command) error {
	msg, err := newAPI(cmd).Cancel(ctx, cmd.String("group"), cmd.String("id"))
	if err != nil {
		return describe(err)
	}
	fmt.Fprintln(cmd.Root().Writer, msg)
	return nil
}

func submitAndWatch(ctx context.Context, cmd *cli.Command, path, group string, body any) error {
	api := newAPI(cmd)
	sub, err := api.Submit(ctx, path, body)
	if err != nil {
		return describe(err)
	}
	out := cmd.Root().Writer
	fmt.Fprintf(out, "%s (job %s)\n", sub.Message, sub.JobID)
	if !cmd.Bool("watch") {
		return nil
	}

	tracker := client.NewTracker(api, group)
	tracker.Track(sub.JobID)
	return watch(ctx, cmd, tracker)
}

func watch(ctx context.Context, cmd *cli.Command, tracker *client.Tracker) error {
	out := cmd.Root().Writer
	final, err := tracker.Watch(ctx, cmd.Duration("interval"), func(v client.View) {
		fmt.Fprintln(out, FormatView(v))
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && cmd.Bool("cancel-on-interrupt") {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			msg, cerr := tracker.Cancel(cancelCtx)
			if cerr != nil {
				return describe(cerr)
			}
			fmt.Fprintln(out, msg)
			return nil
		}
		return describe(err)
	}
	if final.Error != "" {
		return fmt.Errorf("job %s %s: %s", final.JobID, final.Status, final.Error)
	}
	return nil
}

// FormatView renders one progress line.
func FormatView(v client.View) string {
	pct := "  ..."
	if !v.Indeterminate {
		pct = fmt.Sprintf("%5.1f%%", v.Percentage)
	}
	line := fmt.Sprintf("%-10s %s  %8s", v.Status, pct, v.Elapsed.Round(time.Second))
	if v.Stage != "" {
		line += "  " + v.Stage
	}
	if v.Message != "" {
		line += ": " + v.Message
	}
	return line
}

// describe surfaces the server's message and correlation id.
func describe(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.CorrelationID != "" {
		return fmt.Errorf("%w (correlation id %s)", err, apiErr.CorrelationID)
	}
	return err
}

func readBody(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	return raw, nil
}
