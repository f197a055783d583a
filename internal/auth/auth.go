package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/lightning-chat/internal/types"
)

const (
	userIdClaim = "user-id"
	nameClaim   = "name"
	expClaim    = "exp"

	bearerScheme = "Bearer"
)

var (
	ErrTokenMissing     = errors.New("token missing")
	ErrTokenSignature   = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenUnsupported = errors.New("unsupported token")
	ErrTokenEmptyClaims = errors.New("token claims empty")
)

// TokenVerifier validates bearer tokens and resolves them to principals.
type TokenVerifier interface {
	Validate(token string) error
	Principal(token string) (types.Principal, error)
}

type JWTVerifier struct {
	signingKey []byte
}

func NewJWTVerifier(signingKey []byte) *JWTVerifier {
	return &JWTVerifier{signingKey: signingKey}
}

// BearerToken extracts the token from an Authorization header value. A
// header carrying the scheme with no token is treated as missing.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrTokenMissing
	}

	scheme, token, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, bearerScheme) {
		return "", fmt.Errorf("%w: expected bearer scheme", ErrTokenUnsupported)
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenMissing
	}
	return token, nil
}

func (v *JWTVerifier) Validate(token string) error {
	_, err := v.parse(token)
	return err
}

func (v *JWTVerifier) Principal(token string) (types.Principal, error) {
	claims, err := v.parse(token)
	if err != nil {
		return types.Principal{}, err
	}

	userId, err := userIdFromClaims(claims)
	if err != nil {
		return types.Principal{}, err
	}

	p := types.Principal{
		UserId: userId,
		Claims: claims,
	}
	if name, ok := claims[nameClaim].(string); ok {
		p.Name = name
	}

	return p, nil
}

// CreateToken signs a token for userId. Tokens are normally issued by the
// account service; this is used by tooling and tests.
func (v *JWTVerifier) CreateToken(userId int64, name string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		nameClaim:   name,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(v.signingKey)
}

func (v *JWTVerifier) parse(tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: signing method %v", ErrTokenUnsupported, t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if !token.Valid {
		return nil, ErrTokenSignature
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || len(claims) == 0 {
		return nil, ErrTokenEmptyClaims
	}

	return claims, nil
}

func classify(err error) error {
	var ve *jwt.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", ErrTokenUnsupported, err)
	}

	switch {
	case ve.Errors&jwt.ValidationErrorExpired != 0:
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case ve.Errors&jwt.ValidationErrorSignatureInvalid != 0:
		return fmt.Errorf("%w: %v", ErrTokenSignature, err)
	case ve.Errors&jwt.ValidationErrorUnverifiable != 0:
		if errors.Is(ve.Inner, ErrTokenUnsupported) {
			return ve.Inner
		}
		return fmt.Errorf("%w: %v", ErrTokenUnsupported, err)
	case ve.Errors&jwt.ValidationErrorMalformed != 0:
		return fmt.Errorf("%w: %v", ErrTokenUnsupported, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenSignature, err)
	}
}

func userIdFromClaims(claims jwt.MapClaims) (int64, error) {
	switch v := claims[userIdClaim].(type) {
	case float64:
		if v <= 0 {
			break
		}
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			break
		}
		return id, nil
	}

	return 0, fmt.Errorf("%w: invalid %s claim", ErrTokenEmptyClaims, userIdClaim)
}
