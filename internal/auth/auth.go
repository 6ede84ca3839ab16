package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var secret []byte

// Init задает секрет подписи токенов. Вызывается один раз при старте.
func Init(jwtSecret string) {
	secret = []byte(jwtSecret)
}

// VerifyToken проверяет bearer-токен запроса и возвращает идентификатор
// пользователя из claims.
func VerifyToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("no authorization header")
	}

	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == "" || tokenString == header {
		return "", fmt.Errorf("invalid authorization header format")
	}

	return parseUserID(tokenString)
}

// OptionalIdentity пытается извлечь пользователя из запроса. Отсутствие
// или невалидность токена не считается ошибкой: публичные ручки работают
// и для анонимов, вернется пустая строка.
func OptionalIdentity(r *http.Request) string {
	userID, err := VerifyToken(r)
	if err != nil {
		return ""
	}
	return userID
}

func parseUserID(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		// Фолбэк на стандартный subject
		if sub, _ := claims["sub"].(string); sub != "" {
			return sub, nil
		}
		return "", fmt.Errorf("token has no user identity")
	}

	return userID, nil
}
