package steam

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const (
	defaultOpenIDEndpoint = "https://steamcommunity.com/openid/login"

	openIDNamespace        = "http://specs.openid.net/auth/2.0"
	openIDIdentifierSelect = "http://specs.openid.net/auth/2.0/identifier_select"
)

// ErrInvalidAssertion はOpenIDアサーションが検証できなかったことを表す。
var ErrInvalidAssertion = errors.New("OpenIDアサーションが不正です")

// claimed_id の末尾が17桁のSteam ID。
var claimedIDPattern = regexp.MustCompile(`^https?://steamcommunity\.com/openid/id/(\d{17})$`)

// LoginURL はSteam OpenID 2.0 のログインURLを生成する。
func (c *Client) LoginURL(returnTo, realm string) string {
	q := url.Values{}
	q.Set("openid.ns", openIDNamespace)
	q.Set("openid.mode", "checkid_setup")
	q.Set("openid.return_to", returnTo)
	q.Set("openid.realm", realm)
	q.Set("openid.identity", openIDIdentifierSelect)
	q.Set("openid.claimed_id", openIDIdentifierSelect)
	return c.openIDEndpoint + "?" + q.Encode()
}

// VerifyAssertion はコールバックで受け取ったOpenIDパラメータを
// check_authentication でSteamに問い合わせて検証し、Steam IDを返す。
func (c *Client) VerifyAssertion(ctx context.Context, params url.Values) (string, error) {
	if params.Get("openid.mode") != "id_res" {
		return "", fmt.Errorf("%w: mode=%q", ErrInvalidAssertion, params.Get("openid.mode"))
	}

	m := claimedIDPattern.FindStringSubmatch(params.Get("openid.claimed_id"))
	if m == nil {
		return "", fmt.Errorf("%w: claimed_idの形式が不正です", ErrInvalidAssertion)
	}
	steamID := m[1]

	form := url.Values{}
	for k, vs := range params {
		if strings.HasPrefix(k, "openid.") && len(vs) > 0 {
			form.Set(k, vs[0])
		}
	}
	form.Set("openid.mode", "check_authentication")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.openIDEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req, endpointOpenID)
	if err != nil {
		return "", err
	}

	if !isValidAssertionResponse(string(body)) {
		return "", fmt.Errorf("%w: Steamが検証を拒否しました", ErrInvalidAssertion)
	}
	return steamID, nil
}

// isValidAssertionResponse はkey-value形式の応答に is_valid:true が含まれるかを判定する。
func isValidAssertionResponse(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && k == "is_valid" && strings.TrimSpace(v) == "true" {
			return true
		}
	}
	return false
}
