package crypto

import (
	"encoding/json"
	"fmt"
)

// EncryptHeaders seals a notification header map for storage. Webhook headers
// may carry Authorization secrets, so they never reach the database in clear.
func EncryptHeaders(enc Encryptor, headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	plain, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	sealed, err := enc.Encrypt(string(plain))
	if err != nil {
		return nil, fmt.Errorf("encrypt headers: %w", err)
	}
	return []byte(sealed), nil
}

func DecryptHeaders(enc Encryptor, data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return map[string]string{}, nil
	}
	plain, err := enc.Decrypt(string(data))
	if err != nil {
		return nil, fmt.Errorf("decrypt headers: %w", err)
	}
	headers := map[string]string{}
	if err := json.Unmarshal([]byte(plain), &headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers: %w", err)
	}
	return headers, nil
}
