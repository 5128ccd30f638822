package registry

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BaSui01/nodeflow/config"
	"github.com/BaSui01/nodeflow/types"
)

// =============================================================================
// 🔑 凭证签发器
// =============================================================================
// 为调用方签发直连节点代理的短时凭证（控制台流、SFTP、备份下载、文件
// 上传、迁移）。
// 凭证是无状态的：用节点共享密钥做 HS256 签名，验证只需签名 + 过期检查，
// 永不落库。
// =============================================================================

// Scope 凭证授权的能力类别，一张凭证恰好授权一类
type Scope string

const (
	ScopeConsole        Scope = "console"
	ScopeSFTP           Scope = "sftp"
	ScopeBackupDownload Scope = "backup-download"
	ScopeFileUpload     Scope = "file-upload"
	ScopeTransfer       Scope = "transfer"
)

var validScopes = map[Scope]struct{}{
	ScopeConsole:        {},
	ScopeSFTP:           {},
	ScopeBackupDownload: {},
	ScopeFileUpload:     {},
	ScopeTransfer:       {},
}

// AgentClaims 凭证声明
// aud 绑定节点 uuid，sub 绑定调用主体；ServerUUID 与 Scope 为自定义声明。
type AgentClaims struct {
	jwt.RegisteredClaims
	ServerUUID string `json:"server_uuid,omitempty"`
	Scope      Scope  `json:"scope"`
}

// SignedToken 签发结果
type SignedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Scope     Scope     `json:"scope"`
}

// Issuer 凭证签发器
type Issuer struct {
	cfg config.TokenConfig
}

// NewIssuer 创建签发器
func NewIssuer(cfg config.TokenConfig) *Issuer {
	if cfg.Issuer == "" {
		cfg.Issuer = "nodeflow"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.MaxTTL <= 0 || cfg.MaxTTL > time.Hour {
		cfg.MaxTTL = time.Hour
	}
	return &Issuer{cfg: cfg}
}

// IssueAgentCredential 签发一张直连节点代理的凭证
// ttl 为零时使用默认值，超过上限时被截断到上限。
func (i *Issuer) IssueAgentCredential(node *Node, subject, serverUUID string, scope Scope, ttl time.Duration) (*SignedToken, error) {
	if node == nil {
		return nil, types.NewError(types.ErrValidation, "node is required")
	}
	if subject == "" {
		return nil, types.NewError(types.ErrValidation, "subject is required")
	}
	if _, ok := validScopes[scope]; !ok {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown credential scope %q", scope))
	}

	if ttl <= 0 {
		ttl = i.cfg.DefaultTTL
	}
	if ttl > i.cfg.MaxTTL {
		ttl = i.cfg.MaxTTL
	}

	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{node.UUID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ServerUUID: serverUUID,
		Scope:      scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(node.Token))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to sign credential").WithCause(err)
	}

	return &SignedToken{Token: signed, ExpiresAt: expiresAt, Scope: scope}, nil
}

// VerifyAgentCredential 无状态校验一张凭证
// 节点代理侧执行同样的检查；面板内只在测试与调试路径使用。
func (i *Issuer) VerifyAgentCredential(node *Node, tokenString string) (*AgentClaims, error) {
	claims := &AgentClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != "HS256" {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return []byte(node.Token), nil
		},
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(node.UUID),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, types.NewError(types.ErrUnauthorized, "invalid or expired credential").WithCause(err).WithHTTPStatus(401)
	}
	if !token.Valid {
		return nil, types.NewError(types.ErrUnauthorized, "invalid credential").WithHTTPStatus(401)
	}
	if _, ok := validScopes[claims.Scope]; !ok {
		return nil, types.NewError(types.ErrUnauthorized, "credential carries no valid scope").WithHTTPStatus(401)
	}
	return claims, nil
}
