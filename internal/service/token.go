package service

import (
	"crypto/rand"
	"fmt"
)

// Алфавит токена шаринга: без визуально неоднозначных символов
// (0/O, 1/l/I), чтобы токен можно было диктовать и перепечатывать.
const (
	tokenAlphabet = "23456789abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"
	tokenLength   = 22
)

// generateShareToken выдает криптографически непредсказуемый токен
// фиксированной длины. Равномерность распределения обеспечивается
// отбрасыванием байтов за пределами кратного размера алфавита.
func generateShareToken() (string, error) {
	token := make([]byte, 0, tokenLength)
	// Наибольшее кратное len(tokenAlphabet), помещающееся в байт
	max := byte(256 - 256%len(tokenAlphabet))

	buf := make([]byte, tokenLength*2)
	for len(token) < tokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= max {
				continue
			}
			token = append(token, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(token) == tokenLength {
				break
			}
		}
	}

	return string(token), nil
}
