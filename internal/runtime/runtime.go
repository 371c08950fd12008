// Package runtime assembles clauth's composition root (spec Design Notes
// 9): the single explicit Runtime value that owns the vault, scope
// engine, firewall, audit logger, skill-token store, session engine,
// identity broker, optional OAuth refresher, alert router, and the
// brokered-request pipeline built from them. No subsystem holds a
// back-reference to Runtime; everything is constructed once, in order,
// at daemon start.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/clauth/clauth/internal/alert"
	"github.com/clauth/clauth/internal/audit"
	"github.com/clauth/clauth/internal/config"
	"github.com/clauth/clauth/internal/cryptoenv"
	"github.com/clauth/clauth/internal/firewall"
	"github.com/clauth/clauth/internal/identity"
	"github.com/clauth/clauth/internal/pipeline"
	"github.com/clauth/clauth/internal/scope"
	"github.com/clauth/clauth/internal/session"
	"github.com/clauth/clauth/internal/skilltoken"
	"github.com/clauth/clauth/internal/vault"
)

// Runtime is the explicit, non-global composition root. It replaces any
// process-wide singleton with a single constructed value passed down to
// HTTP/CLI bindings.
type Runtime struct {
	Config   *config.Config
	Vault    *vault.Vault
	Scopes   *scope.Engine
	Firewall *firewall.Firewall
	Audit    audit.Logger
	Skills   *skilltoken.Store
	Sessions *session.Engine
	Identity *identity.Broker
	Alerts   alert.Router
	Pipeline *pipeline.Pipeline
}

// OAuthRefresher is accepted optionally; when nil the pipeline simply
// never attempts a post-401 refresh (spec 6, "OAuth-refresh helper" is an
// external collaborator).
type Deps struct {
	IdentityVerifiers map[string]identity.OwnershipVerifier
	IdentityOAuth     map[string]identity.OAuthProvider
	IdentityMailer    identity.EmailSender
	OAuthRefresher    pipeline.OAuthRefresher
	HTTPClient        pipeline.HTTPDoer
}

// Boot unlocks the vault with passphrase, loads every subsystem's
// on-disk state, wires the brokered-request pipeline, and emits the
// daemon.start audit entry — in exactly the order spec 9 requires:
// vault unlock -> others load -> pipeline assembly -> daemon.start.
func Boot(ctx context.Context, cfg *config.Config, passphrase string, deps Deps) (*Runtime, error) {
	paths := cfg.Paths()

	var vaultSalt []byte
	if cfg.VaultSalt != "" {
		decoded, err := decodeSalt(cfg.VaultSalt)
		if err != nil {
			return nil, fmt.Errorf("runtime: decoding vaultSalt: %w", err)
		}
		vaultSalt = decoded
	}

	v := vault.New(paths.Vault, vaultSalt, vault.WithKDFParams(cryptoenv.Params{
		MemoryKiB:   cfg.KDF.Memory,
		Iterations:  cfg.KDF.Iterations,
		Parallelism: cfg.KDF.Parallelism,
	}))
	if err := v.Unlock(passphrase); err != nil {
		return nil, err
	}

	router := buildAlertRouter(cfg.AlertChannels)

	scopes := scope.New(paths.Scopes)
	if err := scopes.Load(); err != nil {
		return nil, err
	}

	fw := firewall.New(paths.Firewall, firewall.Config{
		MinWarmupRequests:   cfg.Firewall.MinWarmupRequests,
		RateSpikeMultiplier: cfg.Firewall.RateSpikeMultiplier,
		BurstWindow:         cfg.Firewall.Window(),
		BurstLimit:          cfg.Firewall.BurstLimit,
		OffHoursStart:       cfg.Firewall.OffHoursStart,
		OffHoursEnd:         cfg.Firewall.OffHoursEnd,
	}, router)
	if err := fw.Load(); err != nil {
		return nil, err
	}

	auditLogger, err := audit.NewFileLogger(paths.Audit)
	if err != nil {
		return nil, err
	}

	skillTokenPepper := cfg.SkillTokenSalt
	skills := skilltoken.New(paths.SkillAuth, skillTokenPepper)
	if err := skills.Load(); err != nil {
		return nil, err
	}

	sessionTTL := time.Duration(cfg.Hardening.SessionTTLSeconds) * time.Second
	sessions := session.New(v, paths.SessionRevocations, sessionTTL)
	if err := sessions.Load(); err != nil {
		return nil, err
	}

	identityBroker := identity.New(paths.IdentityState, identity.Config{
		ChallengeTTL:      time.Duration(cfg.Hardening.ChallengeTTLSeconds) * time.Second,
		MaxVerifyAttempts: cfg.Hardening.IdentityMaxVerifyAttempts,
	}, identity.Deps{
		Vault:       v,
		Credentials: vaultSecretResolver{v: v},
		Verifiers:   deps.IdentityVerifiers,
		OAuth:       deps.IdentityOAuth,
		Mailer:      deps.IdentityMailer,
		Auditor:     auditLogger,
		Alerts:      router,
	})
	if err := identityBroker.Load(); err != nil {
		return nil, err
	}

	pipe := pipeline.New(pipeline.Config{
		EnforceHTTPS:          cfg.Hardening.EnforceHTTPS,
		MaxRequestBodyBytes:   cfg.Hardening.MaxRequestBodyBytes,
		AllowUnknownProviders: cfg.Hardening.AllowUnknownProviders,
	}, scopes, fw, v, auditLogger, deps.OAuthRefresher, deps.HTTPClient)

	if _, err := auditLogger.Append(ctx, audit.EventDaemonStart, nil); err != nil {
		return nil, err
	}

	return &Runtime{
		Config:   cfg,
		Vault:    v,
		Scopes:   scopes,
		Firewall: fw,
		Audit:    auditLogger,
		Skills:   skills,
		Sessions: sessions,
		Identity: identityBroker,
		Alerts:   router,
		Pipeline: pipe,
	}, nil
}

// Shutdown locks the vault (zeroing the master key and cached session
// signing key) and closes the audit logger.
func (r *Runtime) Shutdown() error {
	r.Sessions.InvalidateCache()
	r.Vault.Lock()
	return r.Audit.Close()
}

func buildAlertRouter(channels []config.AlertChannel) alert.Router {
	if len(channels) == 0 {
		return alert.NopRouter{}
	}
	out := make([]alert.Channel, 0, len(channels))
	for _, c := range channels {
		out = append(out, alert.Channel{URL: c.URL, MinSeverity: alert.Severity(c.MinSeverity)})
	}
	return alert.NewWebhookRouter(out)
}

func decodeSalt(b64 string) ([]byte, error) {
	return cryptoenv.DecodeSalt(b64)
}

// vaultSecretResolver adapts *vault.Vault to identity.CredentialSecretResolver.
type vaultSecretResolver struct {
	v *vault.Vault
}

func (r vaultSecretResolver) GetCredentialSecret(handle, provider string) (string, error) {
	cred, err := r.v.GetCredential(handle, provider)
	if err != nil {
		return "", err
	}
	return cred.Secret, nil
}
