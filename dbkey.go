package talk

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const dbSaltName = "db-salt"

// deriveDBKey turns the database passphrase into the sqlcipher key. The
// argon2 salt lives next to the database and is created on first start; it
// must survive alongside the database or the key cannot be rederived.
func deriveDBKey(password, root string) ([]byte, error) {
	salt, err := loadOrCreateSalt(filepath.Join(root, dbSaltName))
	if err != nil {
		return nil, fmt.Errorf("talk: loading database salt: %w", err)
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	var salt [16]byte
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if _, err := crypto_rand.Read(salt[:]); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_SYNC, 0o400) // #nosec G304
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(salt[:]); err != nil {
			_ = f.Close()
			return nil, err
		}
		return salt[:], f.Close()
	}
	f, err := os.OpenFile(path, os.O_RDONLY, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(f, salt[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	return salt[:], f.Close()
}

// StartWithPassword derives the database key from a passphrase and starts
// the server with it.
func (s *Server) StartWithPassword(password string) error {
	key, err := deriveDBKey(password, s.config.RootDir)
	if err != nil {
		return err
	}
	return s.Start(key)
}
