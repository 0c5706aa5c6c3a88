package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"lova/backend"
	"lova/internal/utils"
)

func newWardrobeCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wardrobe",
		Short: "Manage wardrobe items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				return doWardrobeList(ctx, a, cfg, stdout)
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List wardrobe items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				return doWardrobeList(ctx, a, cfg, stdout)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show one wardrobe item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				item, err := a.repos.Wardrobe.Get(ctx, args[0])
				if errors.Is(err, backend.ErrNotFound) || errors.Is(err, backend.ErrNoRemote) {
					return utils.ErrItemNotFound(args[0])
				}
				if err != nil {
					return readErr(err)
				}
				if cfg.jsonOutput() {
					return writeJSON(stdout, item)
				}
				printItem(stdout, item)
				return nil
			})
		},
	})

	cmd.AddCommand(newWardrobeAddCmd(stdout, cfg))
	cmd.AddCommand(newWardrobeUpdateCmd(stdout, cfg))

	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "Delete a wardrobe item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				queued, err := a.afterWrite(a.repos.Wardrobe.Delete(ctx, args[0]), stdout, cfg)
				if err != nil {
					return err
				}
				return reportWrite(stdout, cfg, "deleted", args[0], queued)
			})
		},
	})

	return cmd
}

// withApp opens the engine for the duration of fn.
func withApp(ctx context.Context, cfg *Config, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

type writeResponse struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	Synced bool   `json:"synced"`
	Result string `json:"result"`
}

func reportWrite(stdout io.Writer, cfg *Config, action, id string, queued bool) error {
	if cfg.jsonOutput() {
		return writeJSON(stdout, writeResponse{Action: action, ID: id, Synced: !queued, Result: writeCode(queued)})
	}
	_, _ = fmt.Fprintf(stdout, "%s %s\n", strings.ToUpper(action[:1])+action[1:], id)
	resultCode(cfg, stdout, writeCode(queued))
	return nil
}

func doWardrobeList(ctx context.Context, a *app, cfg *Config, stdout io.Writer) error {
	items, err := a.repos.Wardrobe.List(ctx)
	if errors.Is(err, backend.ErrNoRemote) {
		items, err = nil, nil
	}
	if err != nil {
		return readErr(err)
	}
	if cfg.jsonOutput() {
		return writeJSON(stdout, items)
	}
	if len(items) == 0 {
		_, _ = fmt.Fprintln(stdout, "No wardrobe items")
		resultCode(cfg, stdout, ResultInfoOnly)
		return nil
	}
	_, _ = fmt.Fprintf(stdout, "%-38s %-24s %-10s %-10s %s\n", "ID", "NAME", "CATEGORY", "COLOR", "FAV")
	for _, item := range items {
		fav := ""
		if item.Favorite {
			fav = "*"
		}
		_, _ = fmt.Fprintf(stdout, "%-38s %-24s %-10s %-10s %s\n", item.ID, item.Name, item.Category, item.Color, fav)
	}
	resultCode(cfg, stdout, ResultInfoOnly)
	return nil
}

func printItem(stdout io.Writer, item backend.WardrobeItem) {
	_, _ = fmt.Fprintf(stdout, "ID: %s\nName: %s\nCategory: %s\n", item.ID, item.Name, item.Category)
	if item.Color != "" {
		_, _ = fmt.Fprintf(stdout, "Color: %s\n", item.Color)
	}
	if len(item.Seasons) > 0 {
		_, _ = fmt.Fprintf(stdout, "Seasons: %s\n", strings.Join(item.Seasons, ", "))
	}
	if item.Favorite {
		_, _ = fmt.Fprintln(stdout, "Favorite: yes")
	}
	if !item.CreatedAt.IsZero() {
		_, _ = fmt.Fprintf(stdout, "Added: %s\n", humanize.Time(item.CreatedAt))
	}
}

func newWardrobeAddCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	var category, color, image string
	var seasons []string
	var favorite bool

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a wardrobe item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := utils.ValidateCategory(category, backend.Categories)
			if err != nil {
				return err
			}
			item := backend.WardrobeItem{
				Name:     strings.TrimSpace(args[0]),
				Category: cat,
				Color:    color,
				Seasons:  seasons,
				ImageURL: image,
				Favorite: favorite,
			}
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				added, err := a.repos.Wardrobe.Add(ctx, item)
				queued, err := a.afterWrite(err, stdout, cfg)
				if err != nil {
					return err
				}
				return reportWrite(stdout, cfg, "added", added.ID, queued)
			})
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "Category ("+strings.Join(backend.Categories, ", ")+")")
	cmd.Flags().StringVar(&color, "color", "", "Color")
	cmd.Flags().StringSliceVar(&seasons, "season", nil, "Season (repeatable)")
	cmd.Flags().StringVar(&image, "image", "", "Image URL")
	cmd.Flags().BoolVar(&favorite, "favorite", false, "Mark as favorite")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func newWardrobeUpdateCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Update fields of a wardrobe item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := backend.Document{}
			flags := cmd.Flags()
			if flags.Changed("name") {
				name, _ := flags.GetString("name")
				fields["name"] = strings.TrimSpace(name)
			}
			if flags.Changed("category") {
				raw, _ := flags.GetString("category")
				cat, err := utils.ValidateCategory(raw, backend.Categories)
				if err != nil {
					return err
				}
				fields["category"] = cat
			}
			if flags.Changed("color") {
				color, _ := flags.GetString("color")
				fields["color"] = color
			}
			if flags.Changed("season") {
				seasons, _ := flags.GetStringSlice("season")
				fields["seasons"] = seasons
			}
			if flags.Changed("favorite") {
				fav, _ := flags.GetBool("favorite")
				fields["favorite"] = fav
			}
			if len(fields) == 0 {
				return fmt.Errorf("nothing to update: pass at least one of --name, --category, --color, --season, --favorite")
			}

			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				queued, err := a.afterWrite(a.repos.Wardrobe.Update(ctx, args[0], fields), stdout, cfg)
				if errors.Is(err, backend.ErrNotFound) {
					return utils.ErrItemNotFound(args[0])
				}
				if err != nil {
					return err
				}
				return reportWrite(stdout, cfg, "updated", args[0], queued)
			})
		},
	}
	cmd.Flags().String("name", "", "New name")
	cmd.Flags().StringP("category", "c", "", "New category")
	cmd.Flags().String("color", "", "New color")
	cmd.Flags().StringSlice("season", nil, "Seasons (replaces the list)")
	cmd.Flags().Bool("favorite", false, "Favorite flag")
	return cmd
}

func newOutfitsCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	list := func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
			return doOutfitsList(ctx, a, cfg, stdout)
		})
	}
	cmd := &cobra.Command{
		Use:   "outfits",
		Short: "Log and review worn outfits",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
	cmd.AddCommand(&cobra.Command{Use: "list", Short: "List logged outfits", Args: cobra.NoArgs, RunE: list})
	cmd.AddCommand(newOutfitsLogCmd(stdout, cfg))
	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show one logged outfit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				entry, err := a.repos.OutfitHistory.Get(ctx, args[0])
				if errors.Is(err, backend.ErrNotFound) || errors.Is(err, backend.ErrNoRemote) {
					return utils.ErrOutfitNotFound(args[0])
				}
				if err != nil {
					return readErr(err)
				}
				if cfg.jsonOutput() {
					return writeJSON(stdout, entry)
				}
				_, _ = fmt.Fprintf(stdout, "ID: %s\nWorn: %s\nItems: %s\n", entry.ID,
					entry.WornAt.Local().Format("2006-01-02 15:04"), strings.Join(entry.ItemIDs, ", "))
				if entry.Occasion != "" {
					_, _ = fmt.Fprintf(stdout, "Occasion: %s\n", entry.Occasion)
				}
				if entry.Rating > 0 {
					_, _ = fmt.Fprintf(stdout, "Rating: %d/5\n", entry.Rating)
				}
				if entry.Notes != "" {
					_, _ = fmt.Fprintf(stdout, "Notes: %s\n", entry.Notes)
				}
				resultCode(cfg, stdout, ResultInfoOnly)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "Delete a logged outfit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				queued, err := a.afterWrite(a.repos.OutfitHistory.Delete(ctx, args[0]), stdout, cfg)
				if err != nil {
					return err
				}
				return reportWrite(stdout, cfg, "deleted", args[0], queued)
			})
		},
	})
	return cmd
}

func doOutfitsList(ctx context.Context, a *app, cfg *Config, stdout io.Writer) error {
	entries, err := a.repos.OutfitHistory.List(ctx)
	if errors.Is(err, backend.ErrNoRemote) {
		entries, err = nil, nil
	}
	if err != nil {
		return readErr(err)
	}
	if cfg.jsonOutput() {
		return writeJSON(stdout, entries)
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(stdout, "No outfits logged")
		resultCode(cfg, stdout, ResultInfoOnly)
		return nil
	}
	for _, e := range entries {
		_, _ = fmt.Fprintf(stdout, "%s  %s  %d item(s)", e.ID, e.WornAt.Local().Format("2006-01-02"), len(e.ItemIDs))
		if e.Occasion != "" {
			_, _ = fmt.Fprintf(stdout, "  %s", e.Occasion)
		}
		if e.Rating > 0 {
			_, _ = fmt.Fprintf(stdout, "  %s", strings.Repeat("*", e.Rating))
		}
		_, _ = fmt.Fprintln(stdout)
	}
	resultCode(cfg, stdout, ResultInfoOnly)
	return nil
}

func newOutfitsLogCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	var occasion, wornAt, notes string
	var rating int

	cmd := &cobra.Command{
		Use:   "log ITEM_ID...",
		Short: "Log an outfit made of wardrobe items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := utils.ValidateRating(rating); err != nil {
				return err
			}
			entry := backend.OutfitHistoryEntry{
				ItemIDs:  args,
				Occasion: occasion,
				Rating:   rating,
				Notes:    notes,
			}
			if wornAt != "" {
				t, err := utils.ParseDateFlag(wornAt)
				if err != nil {
					return err
				}
				if t != nil {
					entry.WornAt = t.UTC()
				}
			}
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				logged, err := a.repos.OutfitHistory.Log(ctx, entry)
				queued, err := a.afterWrite(err, stdout, cfg)
				if err != nil {
					return err
				}
				return reportWrite(stdout, cfg, "logged", logged.ID, queued)
			})
		},
	}
	cmd.Flags().StringVar(&occasion, "occasion", "", "Occasion")
	cmd.Flags().StringVar(&wornAt, "worn-at", "", "Date worn (YYYY-MM-DD, today, yesterday, -3d)")
	cmd.Flags().IntVar(&rating, "rating", 0, "Rating 1-5")
	cmd.Flags().StringVar(&notes, "notes", "", "Notes")
	return cmd
}

func newProfileCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	show := func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
			return doProfileShow(ctx, a, cfg, stdout)
		})
	}
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or edit your profile",
		Args:  cobra.NoArgs,
		RunE:  show,
	}
	cmd.AddCommand(&cobra.Command{Use: "show", Short: "Show your profile", Args: cobra.NoArgs, RunE: show})
	cmd.AddCommand(newProfileSetCmd(stdout, cfg))
	cmd.AddCommand(newProfileDeleteCmd(stdout, cfg))
	return cmd
}

func doProfileShow(ctx context.Context, a *app, cfg *Config, stdout io.Writer) error {
	profile, err := a.repos.Profile.Get(ctx)
	if errors.Is(err, backend.ErrNotFound) || errors.Is(err, backend.ErrNoRemote) {
		if cfg.jsonOutput() {
			return writeJSON(stdout, nil)
		}
		_, _ = fmt.Fprintln(stdout, "No profile yet. Create one with 'lova profile set --name NAME'")
		resultCode(cfg, stdout, ResultInfoOnly)
		return nil
	}
	if err != nil {
		return readErr(err)
	}
	if cfg.jsonOutput() {
		return writeJSON(stdout, profile)
	}
	_, _ = fmt.Fprintf(stdout, "User: %s\n", profile.UserID)
	if profile.DisplayName != "" {
		_, _ = fmt.Fprintf(stdout, "Name: %s\n", profile.DisplayName)
	}
	if profile.Email != "" {
		_, _ = fmt.Fprintf(stdout, "Email: %s\n", profile.Email)
	}
	if len(profile.StylePreferences) > 0 {
		_, _ = fmt.Fprintf(stdout, "Style: %s\n", strings.Join(profile.StylePreferences, ", "))
	}
	if profile.Location != "" {
		_, _ = fmt.Fprintf(stdout, "Location: %s\n", profile.Location)
	}
	if !profile.UpdatedAt.IsZero() {
		_, _ = fmt.Fprintf(stdout, "Updated: %s\n", humanize.Time(profile.UpdatedAt))
	}
	resultCode(cfg, stdout, ResultInfoOnly)
	return nil
}

func newProfileSetCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	var name, email, location string
	var styles []string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update your profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := backend.UserProfile{
				DisplayName:      name,
				Email:            email,
				StylePreferences: styles,
				Location:         location,
			}
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				saved, err := a.repos.Profile.Save(ctx, profile)
				queued, err := a.afterWrite(err, stdout, cfg)
				if err != nil {
					return err
				}
				return reportWrite(stdout, cfg, "saved", saved.UserID, queued)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&email, "email", "", "Email")
	cmd.Flags().StringSliceVar(&styles, "style", nil, "Style preference (repeatable)")
	cmd.Flags().StringVar(&location, "location", "", "Location")
	return cmd
}

func newProfileDeleteCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete your profile and wipe the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !cfg.NoPrompt {
				if !utils.PromptYesNoWithReader("Delete your profile and all cached data?", cfg.Stdin, stdout) {
					_, _ = fmt.Fprintln(stdout, "Cancelled")
					return nil
				}
			}
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				uid, err := a.session.CurrentUserID(ctx)
				if err != nil {
					return readErr(err)
				}
				queued, err := a.afterWrite(a.repos.Profile.Delete(ctx), stdout, cfg)
				if err != nil {
					return err
				}
				return reportWrite(stdout, cfg, "deleted", uid, queued)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

// since renders t relative to now, or "never".
func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
