package ralph

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// CloneConfig carries everything the prologue (spec section 4.7) needs to
// produce a ready-to-use working tree.
type CloneConfig struct {
	RepoURL         string
	Branch          string
	CredentialToken string
	ForgeHost       string
	WorkDir         string
	RuntimeUser     string // chowned to after clone; empty skips the chown
}

// WaitForNetwork pings a fixed reliable address for up to 30s (spec
// section 4.7 step 4), continuing regardless of the outcome — a VM
// without working network still attempts the clone, which will simply
// fail with its own error.
func WaitForNetwork(ctx context.Context, addr string, timeout time.Duration) {
	retryInterval := timeout / 10
	if retryInterval > time.Second {
		retryInterval = time.Second
	}
	if retryInterval <= 0 {
		retryInterval = timeout
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		dialTimeout := retryInterval
		if dialTimeout > 2*time.Second {
			dialTimeout = 2 * time.Second
		}
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}
	}
}

// CloneRepository shallow-clones cfg.RepoURL at cfg.Branch into cfg.WorkDir,
// writes a git credentials helper scoped to cfg.ForgeHost, sets a commit
// identity, and chowns the tree to cfg.RuntimeUser. Per spec section 4.7,
// any failure here is a prologue failure.
func CloneRepository(ctx context.Context, cfg CloneConfig) error {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("ralph: create work dir: %w", err)
	}

	if cfg.CredentialToken != "" {
		if err := writeCredentialsHelper(cfg); err != nil {
			return err
		}
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--branch", cfg.Branch, cfg.RepoURL, cfg.WorkDir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ralph: git clone: %w: %s", err, out)
	}

	if err := setIdentity(ctx, cfg.WorkDir); err != nil {
		return err
	}

	if cfg.RuntimeUser != "" {
		if err := chownTree(ctx, cfg.WorkDir, cfg.RuntimeUser); err != nil {
			return err
		}
	}

	return nil
}

func writeCredentialsHelper(cfg CloneConfig) error {
	path := filepath.Join(os.TempDir(), "marathon-git-credentials")
	line := fmt.Sprintf("https://x-access-token:%s@%s\n", cfg.CredentialToken, cfg.ForgeHost)
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return fmt.Errorf("ralph: write credentials helper: %w", err)
	}
	// git reads credential.helper from the global config; configure it to
	// point at the file we just wrote.
	cmd := exec.Command("git", "config", "--global", "credential.helper", "store --file="+path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ralph: configure credential helper: %w: %s", err, out)
	}
	return nil
}

func setIdentity(ctx context.Context, workDir string) error {
	for _, args := range [][]string{
		{"config", "user.name", "marathon-agent"},
		{"config", "user.email", "agent@marathon.local"},
	} {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = workDir
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("ralph: git %v: %w: %s", args, err, out)
		}
	}
	return nil
}

func chownTree(ctx context.Context, workDir, user string) error {
	cmd := exec.CommandContext(ctx, "chown", "-R", user, workDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ralph: chown tree: %w: %s", err, out)
	}
	return nil
}

// RemoveCredentialsHelper deletes the credentials helper file and unsets
// git's global credential.helper, used by the epilogue's keep_workspace,
// keep_cache and full cleanup strategies.
func RemoveCredentialsHelper() error {
	path := filepath.Join(os.TempDir(), "marathon-git-credentials")
	if _, err := os.Stat(path); err != nil {
		return nil // never written: nothing to unset
	}
	_ = exec.Command("git", "config", "--global", "--unset", "credential.helper").Run()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ralph: remove credentials helper: %w", err)
	}
	return nil
}

// credentialEnvVars turns a clone config into extra environment variables
// passed to the agent binary invocation, so it can authenticate to the
// forge without embedding the token in argv.
func credentialEnvVars(cfg CloneConfig) []string {
	if cfg.CredentialToken == "" {
		return nil
	}
	return []string{
		"MARATHON_CREDENTIAL_TOKEN=" + cfg.CredentialToken,
		"MARATHON_FORGE_HOST=" + cfg.ForgeHost,
	}
}
