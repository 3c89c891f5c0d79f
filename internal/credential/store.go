// Package credential implements C1: loading, merging and persisting
// per-provider credential records. Source can be a base64 blob, a single
// JSON file, or a directory of sibling JSON files that get merged.
package credential

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/awsl-project/maxxgate/internal/domain"
)

const defaultRegion = "us-east-1"

// Load resolves a provider's credential from the given source, which may be:
//   - a base64-encoded JSON blob (detected by failing to open as a path)
//   - a path to a single JSON file
//   - a path to a directory: every *.json sibling is merged, the target file
//     (targetName, if non-empty) wins field-by-field conflicts, but
//     expiresAt is always preserved from the primary (first-read) file.
func Load(source string, targetName string) (*domain.Credential, string, error) {
	info, err := os.Stat(source)
	if err != nil {
		cred, err := loadFromBase64(source)
		if err != nil {
			return nil, "", err
		}
		return cred, "", validate(cred)
	}

	if !info.IsDir() {
		cred, err := loadFile(source)
		if err != nil {
			return nil, "", err
		}
		return cred, source, validate(cred)
	}

	cred, path, err := loadDir(source, targetName)
	if err != nil {
		return nil, "", err
	}
	return cred, path, validate(cred)
}

func loadFromBase64(blob string) (*domain.Credential, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("credential: not a file and not valid base64: %w", err)
	}
	return decode(raw)
}

func loadFile(path string) (*domain.Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credential: reading %s: %w", path, err)
	}
	return decode(raw)
}

func decode(raw []byte) (*domain.Credential, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("credential: invalid JSON: %w", err)
	}

	var cred domain.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("credential: invalid JSON: %w", err)
	}

	cred.Extra = make(map[string]any)
	known := knownFields()
	for k, v := range fields {
		if known[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			cred.Extra[k] = val
		}
	}

	if cred.Region == "" {
		cred.Region = defaultRegion
	}
	return &cred, nil
}

func knownFields() map[string]bool {
	return map[string]bool{
		"accessToken": true, "refreshToken": true, "expiresAt": true,
		"clientId": true, "clientSecret": true, "authMethod": true,
		"region": true, "profileArn": true, "projectId": true,
		"apiKey": true, "baseUrl": true,
	}
}

// loadDir merges every *.json file in dir. The primary is the first file in
// lexical order; expiresAt always comes from the primary. Every other field
// is overwritten by the remaining siblings in lexical order, then by
// targetName's file if set, so targetName wins conflicts.
func loadDir(dir string, targetName string) (*domain.Credential, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("credential: reading dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, "", &domain.CredentialMissingError{}
	}
	sort.Strings(names)

	primaryPath := filepath.Join(dir, names[0])
	primary, err := loadFile(primaryPath)
	if err != nil {
		return nil, "", err
	}
	merged := *primary
	mergedExtra := map[string]any{}
	for k, v := range primary.Extra {
		mergedExtra[k] = v
	}

	apply := func(path string) error {
		c, err := loadFile(path)
		if err != nil {
			return err
		}
		mergeInto(&merged, c)
		for k, v := range c.Extra {
			mergedExtra[k] = v
		}
		return nil
	}

	for _, n := range names[1:] {
		if n == targetName {
			continue
		}
		if err := apply(filepath.Join(dir, n)); err != nil {
			return nil, "", err
		}
	}

	targetPath := primaryPath
	if targetName != "" {
		tp := filepath.Join(dir, targetName)
		if _, err := os.Stat(tp); err == nil {
			if err := apply(tp); err != nil {
				return nil, "", err
			}
			targetPath = tp
		}
	}

	preservedExpiresAt := primary.ExpiresAt
	merged.ExpiresAt = preservedExpiresAt
	merged.Extra = mergedExtra
	return &merged, targetPath, nil
}

// mergeInto overwrites dst's fields with any non-zero field from src.
func mergeInto(dst *domain.Credential, src *domain.Credential) {
	if src.AccessToken != "" {
		dst.AccessToken = src.AccessToken
	}
	if src.RefreshToken != "" {
		dst.RefreshToken = src.RefreshToken
	}
	if src.ClientID != "" {
		dst.ClientID = src.ClientID
	}
	if src.ClientSecret != "" {
		dst.ClientSecret = src.ClientSecret
	}
	if src.AuthMethod != "" {
		dst.AuthMethod = src.AuthMethod
	}
	if src.Region != "" {
		dst.Region = src.Region
	}
	if src.ProfileArn != "" {
		dst.ProfileArn = src.ProfileArn
	}
	if src.ProjectID != "" {
		dst.ProjectID = src.ProjectID
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
}

func validate(c *domain.Credential) error {
	if c.RefreshToken != "" {
		return nil
	}
	if c.AccessToken != "" && c.ExpiresAt != "" {
		return nil
	}
	if c.APIKey != "" {
		return nil
	}
	return &domain.CredentialMissingError{}
}

// Save writes cred back to path, preserving any Extra fields the process
// doesn't understand, via write-to-temp-then-rename for atomicity.
func Save(path string, cred *domain.Credential) error {
	out := map[string]any{}
	for k, v := range cred.Extra {
		out[k] = v
	}
	b, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("credential: marshal: %w", err)
	}
	var known map[string]any
	if err := json.Unmarshal(b, &known); err != nil {
		return fmt.Errorf("credential: remarshal: %w", err)
	}
	for k, v := range known {
		out[k] = v
	}

	final, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: marshal merged: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("credential: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(final); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("credential: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("credential: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("credential: rename: %w", err)
	}
	return nil
}
