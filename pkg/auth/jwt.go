package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken token 无效
var ErrInvalidToken = errors.New("invalid token")

// JWTConfig JWT配置
type JWTConfig struct {
	Secret     string
	ExpireTime time.Duration
}

// VisitorClaims 访客令牌声明
// 嵌入脚本首次加载时由站点签发，visitor_id 为匿名访客的稳定标识
type VisitorClaims struct {
	VisitorID string `json:"visitor_id"`
	SiteID    string `json:"site_id,omitempty"`
	jwt.RegisteredClaims
}

// GenerateVisitorToken 签发访客令牌
func GenerateVisitorToken(visitorID, siteID string, config *JWTConfig) (string, error) {
	if visitorID == "" {
		return "", fmt.Errorf("visitor id is required")
	}

	now := time.Now()
	claims := VisitorClaims{
		VisitorID: visitorID,
		SiteID:    siteID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   visitorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(config.ExpireTime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.Secret))
}

// ParseVisitorToken 解析并校验访客令牌
func ParseVisitorToken(tokenString string, config *JWTConfig) (*VisitorClaims, error) {
	claims := &VisitorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// 校验签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(config.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid || claims.VisitorID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RoleAdmin 运维令牌角色
const RoleAdmin = "admin"

// AdminClaims 运维令牌声明，用于内部接口
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateAdminToken 签发运维令牌
func GenerateAdminToken(subject string, config *JWTConfig) (string, error) {
	if config.Secret == "" {
		return "", fmt.Errorf("admin secret is not configured")
	}

	now := time.Now()
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(config.ExpireTime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.Secret))
}

// ParseAdminToken 解析运维令牌，密钥未配置时一律拒绝
func ParseAdminToken(tokenString string, config *JWTConfig) (*AdminClaims, error) {
	if config == nil || config.Secret == "" {
		return nil, ErrInvalidToken
	}

	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(config.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid || claims.Role != RoleAdmin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
