package auth

import (
    "errors"
    "time"

    "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
    Sub          string `json:"sub"`
    IsSuperadmin bool   `json:"is_superadmin"`
    jwt.RegisteredClaims
}

func Sign(secret, sub string, isSuper bool, ttlSeconds int64) (string, error) {
    now := time.Now()
    claims := Claims{
        Sub:          sub,
        IsSuperadmin: isSuper,
        RegisteredClaims: jwt.RegisteredClaims{
            ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlSeconds) * time.Second)),
            IssuedAt:  jwt.NewNumericDate(now),
            Subject:   sub,
        },
    }
    token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
    return token.SignedString([]byte(secret))
}

// Parse verifies an HS256 token and returns its claims.
func Parse(secret, tokenStr string) (*Claims, error) {
    token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
        return []byte(secret), nil
    }, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
    if err != nil || !token.Valid {
        return nil, ErrInvalidToken
    }
    claims, ok := token.Claims.(*Claims)
    if !ok || claims.Sub == "" {
        return nil, ErrInvalidToken
    }
    return claims, nil
}
