package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/companion/internal/companion"
	"github.com/sweeney/companion/internal/config"
	"github.com/sweeney/companion/internal/daemon"
	"github.com/sweeney/companion/internal/status"
	"github.com/sweeney/companion/internal/web"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// baseURL resolves the running daemon's address from --addr or the config.
func (f *rootFlags) baseURL() (string, error) {
	addr := f.addr
	if addr == "" {
		cfg, err := config.Load(f.configPath)
		if err != nil {
			return "", err
		}
		cfg.Normalize()
		addr = cfg.HTTP.Addr
	}
	if addr == "" {
		return "", fmt.Errorf("http server is disabled; pass --addr")
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/"), nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func newStateCmd(root *rootFlags) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the running companion's state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := root.baseURL()
			if err != nil {
				return err
			}
			resp, err := httpClient.Get(base + "/index.json")
			if err != nil {
				return fmt.Errorf("is the daemon running? %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read state: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("state: %s", resp.Status)
			}
			if raw {
				_, err := cmd.OutOrStdout().Write(append(body, '\n'))
				return err
			}
			var sj status.StatusJSON
			if err := json.Unmarshal(body, &sj); err != nil {
				return fmt.Errorf("decode state: %w", err)
			}
			printState(cmd.OutOrStdout(), sj.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "print the raw JSON")
	return cmd
}

func printState(w io.Writer, s status.StatusInner) {
	emotion := s.Emotion
	if s.Asleep {
		emotion += " (asleep)"
	}
	fmt.Fprintf(w, "%s is %s", s.Name, emotion)
	if s.Message != "" {
		fmt.Fprintf(w, ": %s", s.Message)
	}
	fmt.Fprintln(w)
	a := s.Attributes
	fmt.Fprintf(w, "  hunger %3d  happiness %3d/%d  energy %3d  hygiene %3d  messes %d\n",
		a.Hunger, a.Happiness, s.Ceiling, a.Energy, a.Hygiene, s.HygieneEvents)
	fmt.Fprintf(w, "  wellbeing %d (%s)\n", s.Wellbeing.Score, s.Wellbeing.Trend)
	fmt.Fprintf(w, "  day  %s\n", s.Wellbeing.Day)
	fmt.Fprintf(w, "  week %s\n", s.Wellbeing.Week)
	fmt.Fprintf(w, "  age %s\n", time.Duration(s.AgeSeconds)*time.Second)
}

func newOpCmd(root *rootFlags, op daemon.Op) *cobra.Command {
	return &cobra.Command{
		Use:   string(op),
		Short: opHelp[op],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return postCommand(cmd, root, "/api/"+string(op), nil)
		},
	}
}

var opHelp = map[daemon.Op]string{
	daemon.OpFeed:  "Feed the companion",
	daemon.OpPet:   "Pet the companion",
	daemon.OpClean: "Clean up every mess at once",
	daemon.OpScrub: "Scrub away some of the mess",
}

func newEmoteCmd(root *rootFlags) *cobra.Command {
	var duration time.Duration
	names := make([]string, len(companion.Emotions))
	for i, e := range companion.Emotions {
		names[i] = string(e)
	}
	cmd := &cobra.Command{
		Use:       "emote <emotion>",
		Short:     "Set the displayed emotion",
		Long:      "Set the displayed emotion. Without --duration it stays until something else happens.\n\nEmotions: " + strings.Join(names, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := companion.Emotion(args[0])
			if !e.Valid() {
				return fmt.Errorf("unknown emotion %q", args[0])
			}
			body, err := json.Marshal(web.EmotionRequest{Emotion: string(e), DurationMs: duration.Milliseconds()})
			if err != nil {
				return err
			}
			return postCommand(cmd, root, "/api/emotion", body)
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "how long to show it (0 = until replaced)")
	return cmd
}

func postCommand(cmd *cobra.Command, root *rootFlags, path string, body []byte) error {
	base, err := root.baseURL()
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	var cr web.CommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if !cr.OK {
		return fmt.Errorf("%s: %s", cr.Op, cr.Error)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s", cr.Op)
	if cr.Result != "" {
		fmt.Fprintf(out, " (%s)", cr.Result)
	}
	fmt.Fprintf(out, ": %s", cr.Emotion)
	if cr.Message != "" {
		fmt.Fprintf(out, " %q", cr.Message)
	}
	fmt.Fprintln(out)
	return nil
}
