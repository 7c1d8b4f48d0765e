package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stateline/internal/app"
	"stateline/internal/catalog"
	"stateline/internal/domain"
	"stateline/internal/engine/auth"
	"stateline/internal/repo"
	"stateline/internal/store"
)

func resourceCmd() *cobra.Command {
	res := &cobra.Command{
		Use:   "resource",
		Short: "Manage configuration records (teams, issue properties, templates)",
		Long:  "Resources: " + strings.Join(genericResources(), ", "),
	}
	res.AddCommand(resourceListCmd())
	res.AddCommand(resourceGetCmd())
	res.AddCommand(resourceCreateCmd())
	res.AddCommand(resourceUpdateCmd())
	res.AddCommand(resourceDeleteCmd())
	return res
}

func genericResources() []string {
	var names []string
	for _, s := range catalog.All() {
		if s.Resource == catalog.State || s.Resource == catalog.StateTransition {
			continue
		}
		names = append(names, s.Resource)
	}
	return names
}

// resourceScope builds the scope for schema from --workspace, --project and
// repeated --scope key=value flags.
func resourceScope(schema store.Schema, pairs []string) (store.Scope, error) {
	extra := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("scope %q must look like key=value", p)
		}
		extra[k] = v
	}
	scope := store.Scope{}
	for _, field := range schema.Scope {
		switch {
		case extra[field] != "":
			scope[field] = extra[field]
		case field == "workspace":
			ws, err := workspaceFlag()
			if err != nil {
				return nil, err
			}
			scope[field] = ws
		case field == "project_id" && viper.GetString("project") != "":
			scope[field] = viper.GetString("project")
		default:
			return nil, fmt.Errorf("%s requires --scope %s=<id>", schema.Resource, field)
		}
	}
	return scope, nil
}

func printRecords(schema store.Schema, recs []store.Record) error {
	return printJSONOrTable(recs, func(tw table.Writer) {
		header := table.Row{"id"}
		for _, f := range schema.Fields {
			if f.Kind != store.JSON {
				header = append(header, f.Name)
			}
		}
		tw.AppendHeader(header)
		for _, rec := range recs {
			row := table.Row{rec.ID()}
			for _, f := range schema.Fields {
				if f.Kind == store.JSON {
					continue
				}
				v := rec[f.Name]
				if v == nil {
					v = ""
				}
				row = append(row, v)
			}
			tw.AppendRow(row)
		}
	})
}

func parseData(data string) (store.Record, error) {
	rec := store.Record{}
	if strings.TrimSpace(data) == "" {
		return rec, nil
	}
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return rec, nil
}

func resourceListCmd() *cobra.Command {
	var scopes, orderBy []string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list <resource>",
		Short: "List live records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Resource(args[0])
				if err != nil {
					return err
				}
				scope, err := resourceScope(r.Schema(), scopes)
				if err != nil {
					return err
				}
				recs, err := store.Collect(r.List(ctx, store.Query{Scope: scope, OrderBy: orderBy, Limit: limit, Offset: offset}))
				if err != nil {
					return err
				}
				return printRecords(r.Schema(), recs)
			})
		},
	}
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "scope value such as team_id=<id> (repeatable)")
	cmd.Flags().StringSliceVar(&orderBy, "order-by", nil, "columns, prefix - for descending")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	return cmd
}

func resourceGetCmd() *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "get <resource> <id>",
		Short: "Show one live record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Resource(args[0])
				if err != nil {
					return err
				}
				scope, err := resourceScope(r.Schema(), scopes)
				if err != nil {
					return err
				}
				rec, err := r.Get(ctx, args[1], scope)
				if err != nil {
					return err
				}
				return printRecords(r.Schema(), []store.Record{rec})
			})
		},
	}
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "scope value such as team_id=<id> (repeatable)")
	return cmd
}

func resourceCreateCmd() *cobra.Command {
	var scopes []string
	var data string
	cmd := &cobra.Command{
		Use:     "create <resource>",
		Short:   "Create a record from a JSON object",
		Example: `  sl resource create team -w acme --data '{"name":"Core"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseData(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Resource(args[0])
				if err != nil {
					return err
				}
				scope, err := resourceScope(r.Schema(), scopes)
				if err != nil {
					return err
				}
				for k, v := range scope {
					input[k] = v
				}
				rec, err := r.Create(ctx, actor(), input)
				if err != nil {
					return err
				}
				return printRecords(r.Schema(), []store.Record{rec})
			})
		},
	}
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "scope value such as team_id=<id> (repeatable)")
	cmd.Flags().StringVar(&data, "data", "", "record fields as a JSON object")
	return cmd
}

func resourceUpdateCmd() *cobra.Command {
	var scopes []string
	var data string
	cmd := &cobra.Command{
		Use:   "update <resource> <id>",
		Short: "Patch a record with a JSON object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseData(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Resource(args[0])
				if err != nil {
					return err
				}
				scope, err := resourceScope(r.Schema(), scopes)
				if err != nil {
					return err
				}
				rec, err := r.Update(ctx, actor(), args[1], scope, patch)
				if err != nil {
					return err
				}
				return printRecords(r.Schema(), []store.Record{rec})
			})
		},
	}
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "scope value such as team_id=<id> (repeatable)")
	cmd.Flags().StringVar(&data, "data", "", "changed fields as a JSON object")
	return cmd
}

func resourceDeleteCmd() *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "delete <resource> <id>",
		Short: "Soft-delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Resource(args[0])
				if err != nil {
					return err
				}
				scope, err := resourceScope(r.Schema(), scopes)
				if err != nil {
					return err
				}
				if err := r.Delete(ctx, actor(), args[1], scope); err != nil {
					return err
				}
				fmt.Printf("Deleted %s %s\n", r.Name(), args[1])
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "scope value such as team_id=<id> (repeatable)")
	return cmd
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Workspace roles"}
	m.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workspace members",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceFlag()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				members, err := a.Engine.ListMembers(ctx, ws)
				if err != nil {
					return err
				}
				return printJSONOrTable(members, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Actor", "Role", "Since"})
					for _, mb := range members {
						tw.AppendRow(table.Row{mb.ActorID, auth.Role(mb.Role), mb.CreatedAt})
					}
				})
			})
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "grant <actor-id> <role>",
		Short: "Grant or change a role (guest, viewer, member, admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceFlag()
			if err != nil {
				return err
			}
			role, err := auth.ParseRole(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.GrantMember(ctx, ws, args[0], role, actor()); err != nil {
					return err
				}
				fmt.Printf("Granted %s to %s in %s\n", role, args[0], ws)
				return nil
			})
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "revoke <actor-id>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceFlag()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RevokeMember(ctx, ws, args[0], actor()); err != nil {
					return err
				}
				fmt.Printf("Revoked %s in %s\n", args[0], ws)
				return nil
			})
		},
	})
	return m
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Workspace API keys"}

	var role, name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create a key for an actor; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceFlag()
			if err != nil {
				return err
			}
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, secret, err := a.Engine.CreateAPIKey(ctx, ws, args[0], r, name, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("Key %s for %s (%s)\nSecret: %s\n", key.ID, key.ActorID, r, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&role, "role", "member", "role carried by the key")
	create.Flags().StringVar(&name, "name", "", "label")
	k.AddCommand(create)

	var actorFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceFlag()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.ListAPIKeys(ctx, ws, actorFilter)
				if err != nil {
					return err
				}
				return printAPIKeys(keys)
			})
		},
	}
	list.Flags().StringVar(&actorFilter, "actor", "", "only keys of this actor")
	k.AddCommand(list)

	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceFlag()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RevokeAPIKey(ctx, ws, args[0], actor()); err != nil {
					return err
				}
				fmt.Printf("Revoked key %s\n", args[0])
				return nil
			})
		},
	})
	return k
}

func printAPIKeys(keys []domain.APIKey) error {
	return printJSONOrTable(keys, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
		for _, key := range keys {
			tw.AppendRow(table.Row{key.ID, key.ActorID, auth.Role(key.Role), key.Name, key.CreatedAt})
		}
	})
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Activity log"}
	var n int
	var evtType, entityKind, entityID string
	var follow bool
	var interval time.Duration
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceFlag()
			if err != nil {
				return err
			}
			filter := repo.EventFilter{
				Workspace:  ws,
				ProjectID:  viper.GetString("project"),
				Type:       evtType,
				EntityKind: entityKind,
				EntityID:   entityID,
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				latest, err := a.Engine.ListEvents(ctx, filter, n, "")
				if err != nil {
					return err
				}
				// oldest first, like tail
				sort.Slice(latest, func(i, j int) bool { return latest[i].ID < latest[j].ID })
				if err := printEvents(latest); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				cursor := ""
				if len(latest) > 0 {
					cursor = latest[len(latest)-1].ID
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := a.Engine.EventsAfter(ctx, filter, 100, cursor)
					if err != nil {
						return err
					}
					if len(next) == 0 {
						continue
					}
					cursor = next[len(next)-1].ID
					if err := printEvents(next); err != nil {
						return err
					}
				}
			})
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter, e.g. state.created")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	tail.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	ev.AddCommand(tail)
	return ev
}

func printEvents(evts []domain.Event) error {
	if viper.GetBool("json") {
		for _, e := range evts {
			if err := printJSON(e); err != nil {
				return err
			}
		}
		return nil
	}
	if len(evts) == 0 {
		return nil
	}
	return printJSONOrTable(evts, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Project"})
		for _, e := range evts {
			entity := e.EntityKind
			if e.EntityID != "" {
				entity += "/" + e.EntityID
			}
			tw.AppendRow(table.Row{e.TS, e.Type, entity, e.ActorID, e.ProjectID})
		}
	})
}
