package auth

// FailureKind はログイン失敗の分類です。
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureLockedAccount
	FailureBadCredentials
	FailureDisabledAccount
	FailureExpiredAccount
	FailureExpiredCredentials
)

// Message はクライアントに返すメッセージを返します。
func (k FailureKind) Message() string {
	switch k {
	case FailureLockedAccount:
		return "账户被锁定，登录失败"
	case FailureBadCredentials:
		return "用户名或密码错误"
	case FailureDisabledAccount:
		return "账户被禁用，登录失败"
	case FailureExpiredAccount:
		return "账户过期，登录失败"
	case FailureExpiredCredentials:
		return "密码过期，登录失败"
	default:
		return "登录失败"
	}
}

func (k FailureKind) String() string {
	switch k {
	case FailureLockedAccount:
		return "locked_account"
	case FailureBadCredentials:
		return "bad_credentials"
	case FailureDisabledAccount:
		return "disabled_account"
	case FailureExpiredAccount:
		return "expired_account"
	case FailureExpiredCredentials:
		return "expired_credentials"
	default:
		return "unknown"
	}
}

// LoginError は認証失敗を表すエラーです。Cause はストア障害などの内部原因です。
type LoginError struct {
	Kind  FailureKind
	Cause error
}

func (e *LoginError) Error() string {
	if e.Cause != nil {
		return "login failed (" + e.Kind.String() + "): " + e.Cause.Error()
	}
	return "login failed (" + e.Kind.String() + ")"
}

func (e *LoginError) Unwrap() error {
	return e.Cause
}

func fail(kind FailureKind) *LoginError {
	return &LoginError{Kind: kind}
}
