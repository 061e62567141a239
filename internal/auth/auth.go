package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	xerrors "ARC-Router/internal/errors"
)

// 权限名称。
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

const (
	CodeMissingToken     xerrors.Code = "AUTH_MISSING_TOKEN"
	CodeInvalidToken     xerrors.Code = "AUTH_INVALID_TOKEN"
	CodePermissionDenied xerrors.Code = "AUTH_PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeMissingToken, xerrors.Attributes{Message: "missing bearer token", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidToken, xerrors.Attributes{Message: "invalid token", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning})
}

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(CodeMissingToken, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeInvalidToken, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

// Key 描述一个静态 API Key。
type Key struct {
	Name string `json:"name"`
	// Key 为空时从 KeyEnv 指定的环境变量读取。
	Key         string   `json:"key"`
	KeyEnv      string   `json:"key_env"`
	Permissions []string `json:"permissions"`
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, p := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
}

// Authorize 检查主体是否具备全部权限。write 隐含 read。
func (s *Subject) Authorize(permissions ...string) error {
	if s == nil {
		return ErrPermissionDenied
	}
	s.normalise()
	for _, p := range permissions {
		p = strings.ToLower(p)
		if _, ok := s.permissionsSet[p]; ok {
			continue
		}
		if _, ok := s.permissionsSet[PermissionWrite]; ok && p == PermissionRead {
			continue
		}
		return xerrors.Wrap(CodePermissionDenied, ErrPermissionDenied, fmt.Sprintf("%s 缺少权限 %s", s.Name, p))
	}
	return nil
}

type entry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验 Bearer API Key。未配置任何 Key 时认证关闭。
type Service struct {
	keys []entry
}

// NewService 解析 Key 列表。Key 与 KeyEnv 都为空的条目视为配置错误。
func NewService(keys []Key) (*Service, error) {
	s := &Service{}
	for i, k := range keys {
		secret := strings.TrimSpace(k.Key)
		if secret == "" && k.KeyEnv != "" {
			secret = strings.TrimSpace(os.Getenv(k.KeyEnv))
		}
		if secret == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("api_keys[%d] (%s) 没有可用的 key", i, k.Name))
		}
		perms := k.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionRead}
		}
		s.keys = append(s.keys, entry{
			digest:  sha256.Sum256([]byte(secret)),
			subject: Subject{Name: k.Name, Permissions: append([]string(nil), perms...)},
		})
	}
	return s, nil
}

// Enabled 报告是否配置了 Key。
func (s *Service) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	for _, e := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			subject := e.subject
			subject.permissionsSet = nil
			subject.normalise()
			return &subject, nil
		}
	}
	return nil, ErrInvalidToken
}
