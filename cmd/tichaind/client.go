package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// runHealth calls the running daemon's /healthz endpoint.
func runHealth(c *cli.Context) error {
	resp, err := httpClient.Get("http://" + c.String(controlAddrFlag.Name) + "/healthz")
	if err != nil {
		return unavailableErr("reach control API: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Println(string(body))
	if resp.StatusCode != http.StatusOK {
		return unavailableErr("daemon reported unhealthy: %s", resp.Status)
	}
	return nil
}

// runMetrics fetches the Prometheus exposition text from /metrics.
func runMetrics(c *cli.Context) error {
	resp, err := httpClient.Get("http://" + c.String(controlAddrFlag.Name) + "/metrics")
	if err != nil {
		return unavailableErr("reach control API: %w", err)
	}
	defer resp.Body.Close()
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

// runRecover triggers an on-demand gap recovery scan for --source.
func runRecover(c *cli.Context) error {
	source := c.String(sourceFlag.Name)
	if source == "" {
		return usageErr("--source is required")
	}
	body, _ := json.Marshal(map[string]string{"source": source})
	resp, err := httpClient.Post("http://"+c.String(controlAddrFlag.Name)+"/v1/recover", "application/json", bytes.NewReader(body))
	if err != nil {
		return unavailableErr("reach control API: %w", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Println(string(out))
	if resp.StatusCode >= 300 {
		return softwareErr("recover request failed: %s", resp.Status)
	}
	return nil
}

// runCheckpoint writes a checkpoint chain entry for --source.
func runCheckpoint(c *cli.Context) error {
	source := c.String(sourceFlag.Name)
	if source == "" {
		return usageErr("--source is required")
	}
	body, _ := json.Marshal(map[string]string{"source": source, "reason": c.String(reasonFlag.Name)})
	resp, err := httpClient.Post("http://"+c.String(controlAddrFlag.Name)+"/v1/checkpoint", "application/json", bytes.NewReader(body))
	if err != nil {
		return unavailableErr("reach control API: %w", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Println(string(out))
	if resp.StatusCode >= 300 {
		return softwareErr("checkpoint request failed: %s", resp.Status)
	}
	return nil
}
