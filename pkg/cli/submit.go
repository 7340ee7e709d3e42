package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/httputil"
)

func newSubmitCommand() *Command {
	cmd := newCommand("submit", "Send an artifact to an admission server")
	server := cmd.Flags.String("server", "http://localhost:8080", "Admission server URL")
	store := cmd.Flags.Bool("store", false, "Install the artifact on the server when admitted")
	timeout := cmd.Flags.Duration("timeout", 30*time.Second, "Request timeout")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if cmd.Flags.NArg() != 1 {
			return errors.New("usage: opnetplg submit [-server url] [-store] <file.opnet>")
		}
		path := cmd.Flags.Arg(0)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read artifact: %w", err)
		}
		name := filepath.Base(path)

		method, target := http.MethodPost, *server+"/api/v1/artifacts/admit?name="+url.QueryEscape(name)
		if *store {
			method, target = http.MethodPut, *server+"/api/v1/artifacts/"+url.PathEscape(name)
		}
		req, err := http.NewRequest(method, target, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		client := &http.Client{Timeout: *timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to submit artifact: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusUnprocessableEntity:
			var d admission.Decision
			if err := json.Unmarshal(body, &d); err != nil {
				return fmt.Errorf("failed to decode decision: %w", err)
			}
			if !d.Admitted {
				return fmt.Errorf("artifact rejected at %s: %s (%s)", d.FailedStage, d.Reason, d.Message)
			}
			fmt.Fprintf(stdout, "Admitted %s@%s as decision %s\n", d.Plugin, d.Version, d.ID)
			return nil
		default:
			var e httputil.ErrorResponse
			if json.Unmarshal(body, &e) == nil && e.Error != "" {
				return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
			}
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}
	}
	return cmd
}
