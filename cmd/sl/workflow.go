package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stateline/internal/app"
	"stateline/internal/domain"
	"stateline/internal/engine"
)

func stateCmd() *cobra.Command {
	st := &cobra.Command{Use: "state", Short: "Manage workflow states of a project"}
	st.AddCommand(stateListCmd())
	st.AddCommand(stateCreateCmd())
	st.AddCommand(stateUpdateCmd())
	st.AddCommand(stateDeleteCmd())
	st.AddCommand(stateSeedCmd())
	st.AddCommand(stateDefaultCmd())
	return st
}

func printStates(states []domain.State) error {
	return printJSONOrTable(states, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Name", "Group", "Sequence", "Default", "Color"})
		for _, s := range states {
			def := ""
			if s.IsDefault {
				def = "yes"
			}
			tw.AppendRow(table.Row{s.ID, s.Name, s.Group, strconv.FormatFloat(s.Sequence, 'f', -1, 64), def, s.Color})
		}
	})
}

func stateListCmd() *cobra.Command {
	var triage bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List states by sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, project, err := projectFlags()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				states, err := a.Engine.ListStates(ctx, ws, project, triage)
				if err != nil {
					return err
				}
				return printStates(states)
			})
		},
	}
	cmd.Flags().BoolVar(&triage, "include-triage", false, "include triage states")
	return cmd
}

func stateCreateCmd() *cobra.Command {
	var name, color, group, description string
	var sequence float64
	var isDefault bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, project, err := projectFlags()
			if err != nil {
				return err
			}
			in := engine.StateInput{
				Workspace:   ws,
				ProjectID:   project,
				Name:        name,
				Description: description,
				Color:       color,
				Group:       domain.StateGroup(group),
				IsDefault:   isDefault,
			}
			if cmd.Flags().Changed("sequence") {
				in.Sequence = &sequence
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.CreateState(ctx, in, actor())
				if err != nil {
					return err
				}
				return printStates([]domain.State{s})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "state name")
	cmd.Flags().StringVar(&color, "color", "#60646C", "display color")
	cmd.Flags().StringVar(&group, "group", string(domain.GroupBacklog), "state group")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().Float64Var(&sequence, "sequence", 0, "ordering position (default: after the last state)")
	cmd.Flags().BoolVar(&isDefault, "default", false, "make this the project's default state")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stateUpdateCmd() *cobra.Command {
	var name, color, group, description string
	var sequence float64
	cmd := &cobra.Command{
		Use:   "update <state-id>",
		Short: "Update a state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, project, err := projectFlags()
			if err != nil {
				return err
			}
			var patch engine.StatePatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("color") {
				patch.Color = &color
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &description
			}
			if cmd.Flags().Changed("sequence") {
				patch.Sequence = &sequence
			}
			if cmd.Flags().Changed("group") {
				g := domain.StateGroup(group)
				patch.Group = &g
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.UpdateState(ctx, ws, project, args[0], patch, actor())
				if err != nil {
					return err
				}
				return printStates([]domain.State{s})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "state name")
	cmd.Flags().StringVar(&color, "color", "", "display color")
	cmd.Flags().StringVar(&group, "group", "", "state group")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().Float64Var(&sequence, "sequence", 0, "ordering position")
	return cmd
}

func stateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <state-id>",
		Short: "Soft-delete a state and its transition rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, project, err := projectFlags()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteState(ctx, ws, project, args[0], actor()); err != nil {
					return err
				}
				fmt.Printf("Deleted state %s\n", args[0])
				return nil
			})
		},
	}
}

func stateSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the default workflow for a project without states",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, project, err := projectFlags()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				states, err := a.Engine.SeedDefaultStates(ctx, ws, project, actor())
				if err != nil {
					return err
				}
				return printStates(states)
			})
		},
	}
}

func stateDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default <state-id>",
		Short: "Mark a state as the project default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, project, err := projectFlags()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.MarkDefaultState(ctx, ws, project, args[0], actor())
				if err != nil {
					return err
				}
				return printStates([]domain.State{s})
			})
		},
	}
}

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{Use: "transition", Short: "Manage allowed state changes"}
	tr.AddCommand(transitionListCmd())
	tr.AddCommand(transitionAddCmd())
	tr.AddCommand(transitionSetCmd())
	tr.AddCommand(transitionRemoveCmd())
	tr.AddCommand(transitionCheckCmd())
	return tr
}

func printTransitions(items []domain.StateTransition) error {
	return printJSONOrTable(items, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "From", "To", "Allowed"})
		for _, t := range items {
			tw.AppendRow(table.Row{t.ID, t.FromStateID, t.ToStateID, t.IsAllowed})
		}
	})
}

func transitionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List transition rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, project, err := projectFlags()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListTransitions(ctx, ws, project)
				if err != nil {
					return err
				}
				return printTransitions(items)
			})
		},
	}
}

func transitionAddCmd() *cobra.Command {
	var deny bool
	cmd := &cobra.Command{
		Use:   "add <from-state-id> <to-state-id>",
		Short: "Add a transition rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, project, err := projectFlags()
			if err != nil {
				return err
			}
			allowed := !deny
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.AddTransition(ctx, engine.TransitionInput{
					Workspace:   ws,
					ProjectID:   project,
					FromStateID: args[0],
					ToStateID:   args[1],
					IsAllowed:   &allowed,
				}, actor())
				if err != nil {
					return err
				}
				return printTransitions([]domain.StateTransition{t})
			})
		},
	}
	cmd.Flags().BoolVar(&deny, "deny", false, "store a deny rule instead of an allow rule")
	return cmd
}

func transitionSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <transition-id> <allow|deny>",
		Short: "Change whether a rule allows its state change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, project, err := projectFlags()
			if err != nil {
				return err
			}
			var allowed bool
			switch args[1] {
			case "allow":
				allowed = true
			case "deny":
			default:
				return fmt.Errorf("expected allow or deny, got %q", args[1])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.UpdateTransition(ctx, ws, project, args[0], allowed, actor())
				if err != nil {
					return err
				}
				return printTransitions([]domain.StateTransition{t})
			})
		},
	}
}

func transitionRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <transition-id>",
		Short: "Remove a transition rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, project, err := projectFlags()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RemoveTransition(ctx, ws, project, args[0], actor()); err != nil {
					return err
				}
				fmt.Printf("Removed transition %s\n", args[0])
				return nil
			})
		},
	}
}

func transitionCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <from-state-id> <to-state-id>",
		Short: "Report whether a state change is allowed and why",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, project, err := projectFlags()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.IsTransitionAllowed(ctx, ws, project, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				verdict := "denied"
				if d.Allowed {
					verdict = "allowed"
				}
				fmt.Printf("%s (%s)\n", verdict, d.Reason)
				return nil
			})
		},
	}
}
