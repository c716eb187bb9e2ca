package nse

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltLength = 16

func newKey(password, root, saltName string) ([]byte, error) {
	salt, err := loadOrCreateSalt(filepath.Join(root, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func loadOrCreateSalt(saltPath string) ([]byte, error) {
	salt := make([]byte, saltLength)
	f, err := os.OpenFile(saltPath, os.O_RDONLY, 0o400) // #nosec G304
	if err == nil {
		defer f.Close()
		if _, err := io.ReadFull(f, salt); err != nil {
			return nil, fmt.Errorf("nse: error reading salt: %w", err)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err = os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(salt); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("nse: error writing salt: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return salt, nil
}
