package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	staleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

// app bundles the pieces every command needs
type app struct {
	cfg    Config
	store  *Store
	client *Client
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}
}

// globalFlags are shared by every subcommand
type globalFlags struct {
	config    string
	configURL string
	debug     bool
}

// setupLogging installs the default slog handler on w
func setupLogging(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// newApp loads configuration and wires the store and API client
func newApp(cmd *cobra.Command, flags *globalFlags) (*app, error) {
	if flags.debug {
		setupLogging(cmd.ErrOrStderr(), slog.LevelDebug)
	}

	cfg, err := LoadConfig(flags.config, flags.configURL)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level := cfg.SlogLevel()
	if flags.debug {
		level = slog.LevelDebug
	}
	setupLogging(cmd.ErrOrStderr(), level)

	store := OpenStore(cfg.DatabasePath)
	client := NewClient(cfg, store, storeTokens{store: store})
	return &app{cfg: cfg, store: store, client: client}, nil
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "storyshare",
		Short:         "Share and browse geotagged stories",
		Long:          "storyshare lists geotagged stories from the story API, caching them locally so the list stays available on flaky connections.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.config, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&flags.configURL, "config-url", "", "URL of a remote config file, used when no local file loads")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newRegisterCmd(flags),
		newLoginCmd(flags),
		newLogoutCmd(flags),
		newWhoamiCmd(flags),
		newStoriesCmd(flags),
		newSubmitCmd(flags),
		newFeedCmd(flags),
		newLocateCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "storyshare %s\n", version)
			},
		},
	)
	return root
}

func newRegisterCmd(flags *globalFlags) *cobra.Command {
	var name, email, password string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a new account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.client.Register(cmd.Context(), name, email, password)
			if !res.OK {
				slog.Error("Registration failed", "status", res.Status, "message", res.Message, "error", res.ErrMessage)
				switch {
				case res.EmailTaken():
					return errors.New("email is already in use, please use another email")
				case res.Message != "":
					return errors.New(res.Message)
				case res.ErrMessage != "":
					return errors.New(res.ErrMessage)
				default:
					return errors.New("registration failed")
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s: %s\n", email, res.Message)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLoginCmd(flags *globalFlags) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and remember the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.client.Login(cmd.Context(), email, password)
			if !res.OK {
				return errors.New(res.ErrMessage)
			}

			if err := saveSession(cmd.Context(), a.store, res.LoginResult); err != nil {
				return fmt.Errorf("saving session: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", res.LoginResult.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := clearSession(cmd.Context(), a.store); err != nil {
				return fmt.Errorf("clearing session: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.client.Me(cmd.Context())
			if !res.OK {
				return errors.New(res.ErrMessage)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\n", res.User.Name, res.User.Email)
			return nil
		},
	}
}

func newStoriesCmd(flags *globalFlags) *cobra.Command {
	var refresh, asJSON bool

	cmd := &cobra.Command{
		Use:   "stories",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.client.GetAllStories(cmd.Context(), refresh)
			if !res.OK {
				return errors.New(res.ErrMessage)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res.ListStory)
			}

			printStories(out, res, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache and fetch from the server")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print stories as JSON")
	return cmd
}

// printStories renders a story list for the terminal
func printStories(w io.Writer, res StoryListResult, now time.Time) {
	header := fmt.Sprintf("%d stories (%s)", len(res.ListStory), describeFreshness(res, now))
	fmt.Fprintln(w, titleStyle.Render(header))
	if res.IsStale {
		fmt.Fprintln(w, staleStyle.Render("Showing saved stories: the server could not be reached."))
	}

	if len(res.ListStory) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No stories yet."))
		return
	}

	for _, story := range res.ListStory {
		fmt.Fprintf(w, "\n%s  %s\n", titleStyle.Render(story.Name), dimStyle.Render(calculatePostAge(story.CreatedAt, now)))
		fmt.Fprintf(w, "  %s\n", truncateString(extractText(story.Description), 120))
		fmt.Fprintf(w, "  %s\n", dimStyle.Render(describeLocation(story)))
	}
}

func newSubmitCmd(flags *globalFlags) *cobra.Command {
	var (
		description string
		photos      []string
		lat, lon    float64
		locate      bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Share a new story with one or more photos",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			story := NewStory{Description: description}
			for _, p := range photos {
				photo, err := readPhoto(p)
				if err != nil {
					return err
				}
				story.Photos = append(story.Photos, photo)
			}

			if cmd.Flags().Changed("lat") {
				story.Lat = &lat
			}
			if cmd.Flags().Changed("lon") {
				story.Lon = &lon
			}
			if locate && story.Lat == nil && story.Lon == nil {
				center := ResolveCenter(cmd.Context(), MapOptions{Locate: true},
					NewIPLocator(a.cfg.GeoLookupURL), a.cfg.DefaultCenter(), a.cfg.GeolocationTimeout)
				story.Lat, story.Lon = &center.Lat, &center.Lon
			}

			res := a.client.SubmitStory(cmd.Context(), story)
			if !res.OK {
				if res.Message != "" {
					return errors.New(res.Message)
				}
				return errors.New(res.ErrMessage)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Story shared: %s\n", res.Message)
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "story text")
	cmd.Flags().StringArrayVar(&photos, "photo", nil, "photo file to attach (repeatable)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude of the story")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude of the story")
	cmd.Flags().BoolVar(&locate, "locate", false, "use the current position when --lat/--lon are not given")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("photo")
	return cmd
}

// readPhoto loads a photo file and guesses its content type
func readPhoto(path string) (Photo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Photo{}, fmt.Errorf("reading photo: %w", err)
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return Photo{Filename: filepath.Base(path), ContentType: contentType, Data: data}, nil
}

func newFeedCmd(flags *globalFlags) *cobra.Command {
	var (
		outDir  string
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Write the story list as an Atom feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.client.GetAllStories(cmd.Context(), refresh)
			if !res.OK {
				return errors.New(res.ErrMessage)
			}

			atom, err := generateStoryFeed(res.ListStory, FeedMeta{
				Title:   "Shared stories",
				Link:    a.cfg.BaseURL + pathStoryList,
				Updated: time.UnixMilli(res.Timestamp),
			})
			if err != nil {
				return err
			}

			filename, err := writeFeed(outDir, atom)
			if err != nil {
				return err
			}

			slog.Info("Story feed saved", "count", len(res.ListStory), "filename", filename, "stale", res.IsStale)
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d stories to %s\n", len(res.ListStory), filename)
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "outdir", ".", "directory where the feed file will be saved")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache and fetch from the server")
	return cmd
}

func newLocateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "locate",
		Short: "Print the map centre for the current position",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			center := ResolveCenter(cmd.Context(), MapOptions{Locate: true},
				NewIPLocator(a.cfg.GeoLookupURL), a.cfg.DefaultCenter(), a.cfg.GeolocationTimeout)
			fmt.Fprintln(cmd.OutOrStdout(), center)
			return nil
		},
	}
}

func main() {
	setupLogging(os.Stderr, slog.LevelWarn) // Only show warnings and above by default

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
