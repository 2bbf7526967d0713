package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// CredentialAccount is the fixed account name under which the raw token is
// stored client-side.
const CredentialAccount = "user_token"

// ServiceName returns the credential-store service key for an account.
func ServiceName(snowflakeAccount string) string {
	return "SnowflakeMCP:" + snowflakeAccount
}

// CredentialStore persists raw tokens on the client machine. The gateway
// never uses it; it exists for the CLI activation flow.
type CredentialStore interface {
	Set(service, account, secret string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// FileCredentialStore keeps secrets in a mode-0600 JSON file. It stands in
// where no OS keychain is reachable (headless boxes, CI).
type FileCredentialStore struct {
	path string
	mu   sync.Mutex
}

// NewFileCredentialStore stores credentials at dir/credentials.json.
func NewFileCredentialStore(dir string) (*FileCredentialStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential dir: %w", err)
	}
	return &FileCredentialStore{path: filepath.Join(dir, "credentials.json")}, nil
}

func (f *FileCredentialStore) Set(service, account, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, err := f.load()
	if err != nil {
		return err
	}
	creds[service+"\x00"+account] = secret
	return f.save(creds)
}

func (f *FileCredentialStore) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, err := f.load()
	if err != nil {
		return "", err
	}
	secret, ok := creds[service+"\x00"+account]
	if !ok {
		return "", models.NewGatewayError(models.KindAuth, models.ClassUnauth,
			fmt.Sprintf("no credential for %s", service))
	}
	return secret, nil
}

func (f *FileCredentialStore) Delete(service, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, err := f.load()
	if err != nil {
		return err
	}
	delete(creds, service+"\x00"+account)
	return f.save(creds)
}

func (f *FileCredentialStore) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	var creds map[string]string
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}
	return creds, nil
}

func (f *FileCredentialStore) save(creds map[string]string) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}
