package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const userIDKey = "user_id"

// Auth проверяет JWT токены и кладет идентификатор пользователя в контекст Gin.
type Auth struct {
	secret []byte
	logger *zap.Logger
}

// NewAuth создает middleware аутентификации с HMAC секретом.
func NewAuth(secret string, logger *zap.Logger) *Auth {
	return &Auth{
		secret: []byte(secret),
		logger: logger.Named("AuthMiddleware"),
	}
}

// RequireAuth пропускает только запросы с валидным Bearer токеном.
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := a.userIDFromRequest(c)
		if err != nil {
			a.logger.Warn("Token verification failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		if userID == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		c.Set(userIDKey, *userID)
		c.Next()
	}
}

// OptionalAuth извлекает пользователя, если токен предъявлен, но пускает
// и анонимов. Невалидный токен отклоняется: молча разжаловать пользователя
// в анонимы было бы хуже, чем вернуть 401.
func (a *Auth) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := a.userIDFromRequest(c)
		if err != nil {
			a.logger.Warn("Token verification failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if userID != nil {
			c.Set(userIDKey, *userID)
		}
		c.Next()
	}
}

// userIDFromRequest разбирает заголовок Authorization.
// Возвращает (nil, nil), если заголовка нет.
func (a *Auth) userIDFromRequest(c *gin.Context) (*uuid.UUID, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return nil, nil
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return nil, fmt.Errorf("invalid Authorization header format")
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse error: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("user id ('sub') not found in token claims")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, fmt.Errorf("user id is not a valid UUID: %w", err)
	}
	return &userID, nil
}

// UserIDFromContext возвращает идентификатор пользователя, установленный
// middleware аутентификации, или nil для анонимного запроса.
func UserIDFromContext(c *gin.Context) *uuid.UUID {
	value, exists := c.Get(userIDKey)
	if !exists {
		return nil
	}
	userID, ok := value.(uuid.UUID)
	if !ok {
		return nil
	}
	return &userID
}
