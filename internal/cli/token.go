// Copyright 2026 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/server"
	"github.com/tombee/switchboard/internal/store"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		orgID  string
		userID string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token",
		Long: `Token signs a JWT for the control API using the daemon's configured
signing secret. The config file (or SWITCHBOARD_JWT_SECRET) must hold
the same secret the daemon runs with.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Server.Auth.JWTSecret == "" {
				return fmt.Errorf("no JWT secret configured (set server.auth.jwt_secret or SWITCHBOARD_JWT_SECRET)")
			}

			switch role {
			case store.RoleOwner, store.RoleAdmin, store.RoleMember, store.RoleViewer:
			default:
				return fmt.Errorf("role must be one of owner, admin, member, viewer; got %q", role)
			}

			authCfg := cfg.Server.Auth
			if ttl > 0 {
				authCfg.TokenTTL = ttl
			}
			token, err := server.NewToken(authCfg, server.Principal{
				UserID:         userID,
				OrganizationID: orgID,
				Role:           role,
			}, time.Now())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID the token is scoped to")
	cmd.Flags().StringVar(&userID, "user", "", "User ID recorded as the token subject")
	cmd.Flags().StringVar(&role, "role", store.RoleMember, "Membership role (owner, admin, member, viewer)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default from config)")
	cobra.CheckErr(cmd.MarkFlagRequired("org"))
	cobra.CheckErr(cmd.MarkFlagRequired("user"))

	return cmd
}
