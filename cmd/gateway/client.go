package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// controlClient calls the control API of a running gateway and prints the
// JSON responses.
type controlClient struct {
	baseURL    string
	httpClient *http.Client
	out        io.Writer
}

func newControlClient(cmd *cobra.Command) (*controlClient, error) {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return nil, err
	}
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		return nil, errors.New("--addr is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &controlClient{
		baseURL:    addr,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		out:        cmd.OutOrStdout(),
	}, nil
}

type apiError struct {
	Status    int               `json:"-"`
	ErrorCode string            `json:"error_code"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors"`
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.ErrorCode != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.ErrorCode)
	}
	for field, problem := range e.Errors {
		msg += fmt.Sprintf("; %s: %s", field, problem)
	}
	return msg
}

func (c *controlClient) call(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, err = c.out.Write(raw)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(c.out)
	return err
}

func newClientCommands() []*cobra.Command {
	return []*cobra.Command{
		newLoginCommand(),
		simpleCommand("logout", "Sign out and forget stored credentials", http.MethodPost, "/logout"),
		newInstrumentsCommand(),
		simpleCommand("session", "Show the active session", http.MethodGet, "/session"),
		newStartCommand(),
		simpleCommand("stop", "Stop the active session", http.MethodPost, "/session/stop"),
		simpleCommand("queue", "Show queued events", http.MethodGet, "/queue"),
		simpleCommand("sync", "Run one delivery cycle now", http.MethodPost, "/queue/sync"),
		newRetryCommand(),
		newDiscardCommand(),
		simpleCommand("clear-failed", "Discard every event that failed permanently", http.MethodPost, "/queue/clear"),
		simpleCommand("notices", "List delivery notices", http.MethodGet, "/notices"),
		newDismissCommand(),
	}
}

func simpleCommand(use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient(cmd)
			if err != nil {
				return err
			}
			return client.call(cmd.Context(), method, path, nil)
		},
	}
}

func newLoginCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return errors.New("--email is required")
			}
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			client, err := newControlClient(cmd)
			if err != nil {
				return err
			}
			return client.call(cmd.Context(), http.MethodPost, "/login", map[string]string{
				"email":    email,
				"password": password,
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (read from stdin when empty)")
	return cmd
}

func newInstrumentsCommand() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "instruments",
		Short: "List active instruments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient(cmd)
			if err != nil {
				return err
			}
			path := "/instruments"
			if refresh {
				path += "?refresh=true"
			}
			return client.call(cmd.Context(), http.MethodGet, path, nil)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the instrument cache")
	return cmd
}

func newStartCommand() *cobra.Command {
	var productID, bookingID string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a usage session on an instrument",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient(cmd)
			if err != nil {
				return err
			}
			body := map[string]string{"product_id": productID}
			if bookingID != "" {
				body["booking_id"] = bookingID
			}
			return client.call(cmd.Context(), http.MethodPost, "/session/start", body)
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "instrument id")
	cmd.Flags().StringVar(&bookingID, "booking", "", "booking id (looked up when empty)")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry EVENT_ID",
		Short: "Requeue an event that failed permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient(cmd)
			if err != nil {
				return err
			}
			return client.call(cmd.Context(), http.MethodPost, "/queue/"+url.PathEscape(args[0])+"/retry", nil)
		},
	}
}

func newDiscardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discard EVENT_ID",
		Short: "Drop an event that failed permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient(cmd)
			if err != nil {
				return err
			}
			return client.call(cmd.Context(), http.MethodDelete, "/queue/"+url.PathEscape(args[0]), nil)
		},
	}
}

func newDismissCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss NOTICE_ID",
		Short: "Dismiss a notice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient(cmd)
			if err != nil {
				return err
			}
			return client.call(cmd.Context(), http.MethodDelete, "/notices/"+url.PathEscape(args[0]), nil)
		},
	}
}
