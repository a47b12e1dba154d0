// internal/config/creds.go
package config

import (
	"fmt"
	"os"
	"strings"
)

// Secret file names, expected in the working directory.
const (
	OpenplanetAuthFile = ".openplanet-auth"
	UbisoftAcctFile    = ".ubisoft-acct"
	StorageHostFile    = ".storage-host"
)

// ReadCredsFile parses a flat secret file of `key=value` lines and requires
// every listed key to be present. Unknown keys are ignored.
func ReadCredsFile(path string, keys ...string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading creds file %s: %w", path, err)
	}
	vals := make(map[string]string, len(keys))
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		vals[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	for _, k := range keys {
		if vals[k] == "" {
			return nil, fmt.Errorf("missing config entry in %s for key: %s", path, k)
		}
	}
	return vals, nil
}

// OpenplanetCreds configures the identity-token verifier.
type OpenplanetCreds struct {
	Secret string
	URL    string
}

// LoadOpenplanetCreds reads .openplanet-auth.
func LoadOpenplanetCreds() (*OpenplanetCreds, error) {
	vals, err := ReadCredsFile(OpenplanetAuthFile, "secret", "url")
	if err != nil {
		return nil, err
	}
	return &OpenplanetCreds{Secret: vals["secret"], URL: vals["url"]}, nil
}

// UbiCreds is the dedicated-server account used for game-host provisioning.
type UbiCreds struct {
	Email    string
	Password string
}

// LoadUbiCreds reads .ubisoft-acct.
func LoadUbiCreds() (*UbiCreds, error) {
	vals, err := ReadCredsFile(UbisoftAcctFile, "email", "password")
	if err != nil {
		return nil, err
	}
	return &UbiCreds{Email: vals["email"], Password: vals["password"]}, nil
}

// BlobCreds configures the S3-compatible map binary store.
type BlobCreds struct {
	AccessKey  string
	SecretKey  string
	ServiceURL string
	BucketName string
}

// LoadBlobCreds reads .storage-host.
func LoadBlobCreds() (*BlobCreds, error) {
	vals, err := ReadCredsFile(StorageHostFile, "access-key", "secret-key", "service-url", "bucket-name")
	if err != nil {
		return nil, err
	}
	return &BlobCreds{
		AccessKey:  vals["access-key"],
		SecretKey:  vals["secret-key"],
		ServiceURL: vals["service-url"],
		BucketName: vals["bucket-name"],
	}, nil
}
