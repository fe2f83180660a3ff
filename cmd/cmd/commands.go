/*
Copyright © 2024 Syncarcs
*/
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

func GetMeshAgentRemoteSockClient(sock string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
		Timeout: time.Second * 5,
	}
}

// callAgent sends one request to the node agent and writes the response body
// to out, pretty printed when it is json.
func callAgent(client *http.Client, out io.Writer, method, path string, body any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", "unix", path), payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("Error connecting to the node agent local unix socket, please make sure the node agent is running: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("Error reading the response body from the node agent: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var agentErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &agentErr) == nil && agentErr.Error != "" {
			return fmt.Errorf("node agent: %s", agentErr.Error)
		}
		return fmt.Errorf("node agent: %s", resp.Status)
	}
	if len(raw) == 0 {
		return nil
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	_, err = fmt.Fprintln(out, string(bytes.TrimRight(raw, "\n")))
	return err
}
