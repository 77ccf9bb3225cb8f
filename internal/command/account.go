package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"devcompanion/internal/account"
	"devcompanion/internal/daemon"
	"devcompanion/internal/store"
)

// PasswordEnv supplies a password when --password is not given.
const PasswordEnv = "DEVCOMPANION_PASSWORD"

func passwordFlag(cmd *cobra.Command, name string) (string, error) {
	pw, _ := cmd.Flags().GetString(name)
	if pw == "" && name == "password" {
		pw = os.Getenv(PasswordEnv)
	}
	if pw == "" {
		return "", fmt.Errorf("--%s is required (or set %s)", name, PasswordEnv)
	}
	return pw, nil
}

// NewAccountCmd creates the account command.
func NewAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the local account, sync token and permissions",
	}

	register := &cobra.Command{
		Use:   "register <email>",
		Short: "Create an account and sign in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := passwordFlag(cmd, "password")
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				a, err := d.Accounts.Register(ctx, args[0], pw)
				if err != nil {
					return err
				}
				if err := bootstrapFirstAccount(ctx, d, a); err != nil {
					return err
				}
				return printAccount(cmd, a, "Registered")
			})
		},
	}
	register.Flags().String("password", "", "account password")

	login := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := passwordFlag(cmd, "password")
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				a, err := d.Accounts.Login(ctx, args[0], pw)
				if err != nil {
					return err
				}
				return printAccount(cmd, a, "Signed in as")
			})
		},
	}
	login.Flags().String("password", "", "account password")

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				if err := d.Accounts.Logout(ctx); err != nil {
					return err
				}
				if jsonMode(cmd) {
					return writeJSON(cmd, map[string]any{"signed_in": false})
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
				return nil
			})
		},
	}

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Show the current account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				a := d.Account.Current()
				if a == nil {
					return account.ErrNotSignedIn
				}
				return printAccount(cmd, a, "Signed in as")
			})
		},
	}

	token := &cobra.Command{
		Use:   "token <bearer-token>",
		Short: "Store the bearer token issued by the sync service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				if d.Account.Current() == nil {
					return account.ErrNotSignedIn
				}
				if err := d.Account.SetToken(ctx, strings.TrimSpace(args[0])); err != nil {
					return err
				}
				st := d.Sync.Status(ctx)
				if jsonMode(cmd) {
					return writeJSON(cmd, st)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "Token saved")
				if !st.TokenExpiry.IsZero() {
					fmt.Fprintf(out, "Expires %s\n", st.TokenExpiry.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	passwd := &cobra.Command{
		Use:   "passwd",
		Short: "Change the current account's password",
		RunE: func(cmd *cobra.Command, args []string) error {
			oldPW, err := passwordFlag(cmd, "password")
			if err != nil {
				return writeCommandError(cmd, err)
			}
			newPW, err := passwordFlag(cmd, "new-password")
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				if err := d.Accounts.ChangePassword(ctx, oldPW, newPW); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Password changed")
				return nil
			})
		},
	}
	passwd.Flags().String("password", "", "current password")
	passwd.Flags().String("new-password", "", "new password")

	cmd.AddCommand(register, login, logout, whoami, token, passwd,
		newSyncToggleCmd("sync-enable", true), newSyncToggleCmd("sync-disable", false),
		newGrantCmd(true), newGrantCmd(false), newRoleCmd(), newPermsCmd())
	return cmd
}

func newSyncToggleCmd(use string, enabled bool) *cobra.Command {
	short := "Disable cloud sync for the current account"
	if enabled {
		short = "Enable cloud sync for the current account"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				if err := d.Accounts.SetSyncEnabled(ctx, enabled); err != nil {
					return err
				}
				if jsonMode(cmd) {
					return writeJSON(cmd, map[string]any{"sync_enabled": enabled})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sync enabled: %t\n", enabled)
				return nil
			})
		},
	}
}

func newGrantCmd(grant bool) *cobra.Command {
	use, short := "revoke <email> <permission>", "Revoke a permission"
	if grant {
		use, short = "grant <email> <permission>", "Grant a permission"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				target, err := adminTarget(ctx, d, args[0])
				if err != nil {
					return err
				}
				if grant {
					err = d.Authorizer.Grant(ctx, target.ID, args[1])
				} else {
					err = d.Authorizer.Revoke(ctx, target.ID, args[1])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s\n", target.Email, cmd.Name(), args[1])
				return nil
			})
		},
	}
}

func newRoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Define and assign permission roles",
	}

	define := &cobra.Command{
		Use:   "define <id> <permission>...",
		Short: "Define a role",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				if err := d.Authorizer.Require(ctx, account.PermAdmin); err != nil {
					return err
				}
				name, _ := cmd.Flags().GetString("name")
				if name == "" {
					name = args[0]
				}
				r := &store.Role{ID: args[0], Name: name, Permissions: args[1:], CreatedAt: time.Now().UnixMilli()}
				if err := d.Authorizer.DefineRole(ctx, r); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Role %s: %s\n", r.ID, strings.Join(r.Permissions, ", "))
				return nil
			})
		},
	}
	define.Flags().String("name", "", "display name")

	assign := func(use string, add bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <email> <role-id>",
			Short: use + " a role",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
					target, err := adminTarget(ctx, d, args[0])
					if err != nil {
						return err
					}
					if add {
						err = d.Authorizer.AssignRole(ctx, target.ID, args[1])
					} else {
						err = d.Authorizer.RemoveRole(ctx, target.ID, args[1])
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s role %s\n", target.Email, use, args[1])
					return nil
				})
			},
		}
	}

	cmd.AddCommand(define, assign("assign", true), assign("remove", false))
	return cmd
}

func newPermsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "perms [email]",
		Short: "List permissions and roles",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				target := d.Account.Current()
				if len(args) == 1 {
					var err error
					if target, err = adminTarget(ctx, d, args[0]); err != nil {
						return err
					}
				}
				if target == nil {
					return account.ErrNotSignedIn
				}
				perms, roles, err := d.Authorizer.Permissions(ctx, target.ID)
				if err != nil {
					return err
				}
				if jsonMode(cmd) {
					return writeJSON(cmd, map[string]any{"account": target.Email, "permissions": perms, "roles": roles})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s\n", target.Email)
				for _, p := range perms {
					fmt.Fprintf(out, "  %-14s granted by %s\n", p.Permission, p.GrantedBy)
				}
				if len(roles) > 0 {
					fmt.Fprintf(out, "  roles: %s\n", strings.Join(roles, ", "))
				}
				return nil
			})
		},
	}
}

// adminTarget requires the admin permission and resolves email to an
// account.
func adminTarget(ctx context.Context, d *daemon.Daemon, email string) (*store.Account, error) {
	if err := d.Authorizer.Require(ctx, account.PermAdmin); err != nil {
		return nil, err
	}
	a, err := d.Store.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("no account for %s", email)
	}
	return a, nil
}

// bootstrapFirstAccount grants admin and sync to the only account on a
// fresh database so permissions can be managed at all.
func bootstrapFirstAccount(ctx context.Context, d *daemon.Daemon, a *store.Account) error {
	stats, err := d.Store.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.Accounts != 1 {
		return nil
	}
	return errors.Join(
		d.Authorizer.Grant(ctx, a.ID, account.PermAdmin),
		d.Authorizer.Grant(ctx, a.ID, account.PermSync),
		d.Authorizer.Grant(ctx, a.ID, account.PermReadEvents),
	)
}

func printAccount(cmd *cobra.Command, a *store.Account, verb string) error {
	if jsonMode(cmd) {
		return writeJSON(cmd, map[string]any{
			"id":           a.ID,
			"email":        a.Email,
			"device_id":    a.DeviceID,
			"sync_enabled": a.SyncEnabled,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (device %s, sync %t)\n", verb, a.Email, a.DeviceID, a.SyncEnabled)
	return nil
}
