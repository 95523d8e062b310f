package controlplane

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/sentinelproxy/sentinel-cp/internal/names"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	"github.com/sentinelproxy/sentinel-cp/internal/token"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// bootstrapApp seeds a fresh store with the first organization, project,
// admin user, API key and signing key, then prints the key secret once.
// User and org management beyond this seed happens outside the control
// plane; without it a new install has no credential that can reach the
// operator API.
func bootstrapApp(cp *controlPlane) *cobra.Command {
	var (
		orgName     string
		projectName string
		adminName   string
		adminEmail  string
	)
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed the first organization, project, admin user and API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cp.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, _, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			clk := clock.RealClock{}
			now := v1.Now(clk)
			projectSlug := names.Slug(projectName)
			if _, err := st.GetProjectBySlug(ctx, projectSlug); err == nil {
				return fmt.Errorf("project slug %q already exists; bootstrap has already run", projectSlug)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}

			org := &v1.Organization{
				ID:        uuid.NewString(),
				Name:      orgName,
				Slug:      names.Slug(orgName),
				CreatedAt: now,
			}
			if err := st.CreateOrganization(ctx, org); err != nil {
				return fmt.Errorf("creating organization: %w", err)
			}
			project := &v1.Project{
				ID:        uuid.NewString(),
				OrgID:     org.ID,
				Name:      projectName,
				Slug:      projectSlug,
				CreatedAt: now,
			}
			if err := st.CreateProject(ctx, project); err != nil {
				return fmt.Errorf("creating project: %w", err)
			}
			user := &v1.User{
				ID:        uuid.NewString(),
				Name:      adminName,
				Email:     adminEmail,
				CreatedAt: now,
			}
			if err := st.CreateUser(ctx, user); err != nil {
				return fmt.Errorf("creating user: %w", err)
			}
			if err := st.SetMembership(ctx, &v1.OrgMembership{
				OrgID:  org.ID,
				UserID: user.ID,
				Role:   v1.RoleAdmin,
			}); err != nil {
				return fmt.Errorf("granting admin: %w", err)
			}

			secret, err := token.NewAPIKeySecret()
			if err != nil {
				return err
			}
			if err := st.CreateAPIKey(ctx, &v1.APIKey{
				ID:        uuid.NewString(),
				OrgID:     org.ID,
				UserID:    user.ID,
				Name:      "bootstrap",
				KeyHash:   token.HashSecret(secret),
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("creating api key: %w", err)
			}

			tokens, err := token.New(st, clk, cfg.Node.TokenTTL.Duration, cfg.Auth.KeyEncryptionSecret)
			if err != nil {
				return err
			}
			signing, err := tokens.RotateSigningKey(ctx, org.ID)
			if err != nil {
				return fmt.Errorf("creating signing key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "organization:  %s  (slug %s)\n", org.ID, org.Slug)
			fmt.Fprintf(out, "project:       %s  (slug %s)\n", project.ID, project.Slug)
			fmt.Fprintf(out, "admin user:    %s\n", user.ID)
			fmt.Fprintf(out, "signing key:   %s\n", signing.ID)
			fmt.Fprintf(out, "api key:       %s\n", secret)
			fmt.Fprintln(out, "\nStore the api key now; only its hash is kept.")
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&orgName, "org", "default", "organization display name")
	fs.StringVar(&projectName, "project", "default", "first project display name")
	fs.StringVar(&adminName, "admin-name", "admin", "seed user display name")
	fs.StringVar(&adminEmail, "admin-email", "", "seed user email")
	return cmd
}
