// Command zacharie is the device-side companion tool: it talks to the same
// offline-first store and queue as the mobile clients, so field agents and
// support staff can inspect a device's cache, queue mutations without
// connectivity and drain them once back online.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/betagouv/zacharie-sub005/client"
	"github.com/betagouv/zacharie-sub005/fei"
)

var (
	flagServer string
	flagStore  string
	flagToken  string
	flagUser   string
	flagEntity string
)

func main() {
	root := &cobra.Command{
		Use:           "zacharie",
		Short:         "Offline-first companion for fiches d'accompagnement du gibier sauvage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagServer, "server", envOr("ZACHARIE_SERVER", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&flagStore, "store", defaultStorePath(), "path to the local sqlite store")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("ZACHARIE_TOKEN"), "bearer token")
	root.PersistentFlags().StringVar(&flagUser, "user", os.Getenv("ZACHARIE_USER_ID"), "acting user id")
	root.PersistentFlags().StringVar(&flagEntity, "entity", os.Getenv("ZACHARIE_ENTITY_ID"), "acting entity id")

	root.AddCommand(
		loginCmd(),
		createCmd(),
		setCmd(),
		tagCmd(),
		listCmd(),
		showCmd(),
		queueCmd(),
		syncCmd(),
		clearCmd(),
	)

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultStorePath() string {
	if v := os.Getenv("ZACHARIE_STORE"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "zacharie.db"
	}
	return filepath.Join(home, ".zacharie", "zacharie.db")
}

func openClient() (*client.Client, client.Session, error) {
	if dir := filepath.Dir(flagStore); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, client.Session{}, fmt.Errorf("create store dir: %w", err)
		}
	}
	store, err := client.OpenStore(flagStore)
	if err != nil {
		return nil, client.Session{}, err
	}
	sess := client.Session{Token: flagToken, UserID: flagUser}
	if flagEntity != "" {
		sess.EntityID = &flagEntity
	}
	c := client.New(flagServer, store, nil, log.New(os.Stderr, "", 0))
	return c, sess, nil
}

func loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and print the session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := json.Marshal(map[string]string{"email": email, "password": password})
			if err != nil {
				return err
			}
			resp, err := http.Post(flagServer+"/api/auth/login", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("reach server: %w", err)
			}
			defer resp.Body.Close()

			var env struct {
				OK   bool `json:"ok"`
				Data struct {
					Token string         `json:"token"`
					User  map[string]any `json:"user"`
				} `json:"data"`
				Error string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			if !env.OK {
				return fmt.Errorf("login refused: %s", env.Error)
			}

			color.Green("logged in as %v", env.Data.User["email"])
			fmt.Printf("export ZACHARIE_TOKEN=%s\n", env.Data.Token)
			fmt.Printf("export ZACHARIE_USER_ID=%v\n", env.Data.User["id"])
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	return cmd
}

func createCmd() *cobra.Command {
	var commune, date string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a fiche (works offline; the numero is minted on this device)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, sess, err := openClient()
			if err != nil {
				return err
			}
			defer c.Store().Close()

			numero := client.GenerateNumero(time.Now())
			fields := map[string]string{}
			if commune != "" {
				fields[fei.KeyCommuneMiseAMort] = commune
			}
			if date != "" {
				fields[fei.KeyDateMiseAMort] = date
			}

			res, err := c.SaveFei(cmd.Context(), sess, numero, fields)
			if err != nil {
				return err
			}
			printWriteResult(numero, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&commune, "commune", "", "commune de mise à mort")
	cmd.Flags().StringVar(&date, "date", "", "date de mise à mort (RFC3339 or YYYY-MM-DD)")
	return cmd
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <numero> <key=value>...",
		Short: "Apply a sparse mutation to a fiche (key= with no value clears the field)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, sess, err := openClient()
			if err != nil {
				return err
			}
			defer c.Store().Close()

			fields, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			res, err := c.SaveFei(cmd.Context(), sess, args[0], fields)
			if err != nil {
				return err
			}
			printWriteResult(args[0], res)
			return nil
		},
	}
}

func tagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag <numero> <bracelet> <key=value>...",
		Short: "Upsert a carcass line item on a fiche",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, sess, err := openClient()
			if err != nil {
				return err
			}
			defer c.Store().Close()

			fields, err := parseAssignments(args[2:])
			if err != nil {
				return err
			}
			fields["fei_numero"] = args[0]
			fields["numero_bracelet"] = args[1]

			res, err := c.SaveCarcasse(cmd.Context(), sess, fields)
			if err != nil {
				return err
			}
			printWriteResult(args[1], res)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached fiches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, sess, err := openClient()
			if err != nil {
				return err
			}
			defer c.Store().Close()

			if refresh {
				if err := c.RefreshFeis(cmd.Context(), sess); err != nil {
					color.Yellow("refresh failed, showing cache: %v", err)
				}
			}
			docs, err := c.ListFeis()
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Println("no cached fiches")
				return nil
			}
			for _, doc := range docs {
				fmt.Printf("%s  %s  %s  %s\n",
					doc["numero"],
					workflowColor(doc["workflow"]).Sprintf("%-26s", doc["workflow"]),
					doc[fei.KeyCommuneMiseAMort],
					doc[fei.KeyDateMiseAMort],
				)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-fetch from the server before listing")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <numero>",
		Short: "Show a cached fiche field by field",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, _, err := openClient()
			if err != nil {
				return err
			}
			defer c.Store().Close()

			doc, err := c.GetFei(args[0])
			if errors.Is(err, client.ErrOfflineUnavailable) {
				return fmt.Errorf("fiche %s is not cached on this device; run `zacharie list --refresh` online first", args[0])
			}
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(doc))
			for k := range doc {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-55s %s\n", color.CyanString(k), doc[k])
			}
			return nil
		},
	}
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show mutations waiting for replay",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, _, err := openClient()
			if err != nil {
				return err
			}
			defer c.Store().Close()

			pending, err := c.Store().Pending()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				color.Green("queue is empty")
				return nil
			}
			for _, m := range pending {
				fields, _ := json.Marshal(m.Fields)
				fmt.Printf("%s %s (queued %s)\n  %s\n",
					color.YellowString("%4d", m.ID),
					m.DedupeKey,
					m.EnqueuedAt.Local().Format(time.RFC822),
					fields,
				)
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay the queue and refresh the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, sess, err := openClient()
			if err != nil {
				return err
			}
			defer c.Store().Close()

			before, err := c.Store().Pending()
			if err != nil {
				return err
			}

			engine := client.NewSyncEngine(c, sess, log.New(os.Stderr, "sync: ", 0))
			engine.Sync(cmd.Context())

			after, err := c.Store().Pending()
			if err != nil {
				return err
			}
			color.Green("replayed %d mutation(s), %d left in queue", len(before)-len(after), len(after))
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Replay the queue, then wipe the cached documents (queue and audit log survive)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("pass --yes to confirm the wipe")
			}
			c, sess, err := openClient()
			if err != nil {
				return err
			}
			defer c.Store().Close()

			engine := client.NewSyncEngine(c, sess, log.New(os.Stderr, "sync: ", 0))
			engine.ClearCache(cmd.Context())

			left, err := c.Store().Pending()
			if err != nil {
				return err
			}
			if len(left) > 0 {
				color.Yellow("cache cleared; %d mutation(s) could not replay and stay queued", len(left))
				return nil
			}
			color.Green("cache cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}

func parseAssignments(args []string) (map[string]string, error) {
	fields := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		fields[key] = value
	}
	return fields, nil
}

func printWriteResult(key string, res client.WriteResult) {
	if res.Queued {
		color.Yellow("%s queued for replay (offline)", key)
		return
	}
	color.Green("%s saved", key)
}

func workflowColor(state string) *color.Color {
	switch fei.State(state) {
	case fei.StateClosed:
		return color.New(color.FgHiBlack)
	case fei.StateSviAssigned:
		return color.New(color.FgMagenta)
	case fei.StateInTransit:
		return color.New(color.FgBlue)
	case fei.StatePremierDetenteurPending:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}
