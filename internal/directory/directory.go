package directory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MEKXH/picard/internal/config"
	"github.com/tidwall/gjson"
)

const (
	defaultOktaTimeout = 30 * time.Second
	maxOktaPages       = 100
	pageLimit          = 200
)

// Source lists the users the daily sweep should reach.
type Source interface {
	ActiveUsers(ctx context.Context) ([]string, error)
}

// Static is a fixed user list.
type Static struct {
	users []string
}

// NewStatic keeps the non-blank ids in users, without duplicates.
func NewStatic(users []string) *Static {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return &Static{users: out}
}

func (s *Static) ActiveUsers(context.Context) ([]string, error) {
	return append([]string(nil), s.users...), nil
}

// Okta reads ACTIVE users from the Okta users API.
type Okta struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewOkta creates an Okta source. A nil client gets a default timeout.
func NewOkta(baseURL, token string, client *http.Client) *Okta {
	if client == nil {
		client = &http.Client{Timeout: defaultOktaTimeout}
	}
	return &Okta{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		client:  client,
	}
}

// FromConfig picks Okta when a base URL is set, else the static list.
func FromConfig(cfg config.DirectoryConfig, client *http.Client) Source {
	if strings.TrimSpace(cfg.OktaBaseURL) != "" {
		return NewOkta(cfg.OktaBaseURL, cfg.OktaAPIToken, client)
	}
	return NewStatic(cfg.Users)
}

// ActiveUsers follows Okta's rel="next" links until the listing ends.
func (o *Okta) ActiveUsers(ctx context.Context) ([]string, error) {
	next := fmt.Sprintf("%s/api/v1/users?limit=%d", o.baseURL, pageLimit)
	var users []string
	for page := 0; next != "" && page < maxOktaPages; page++ {
		ids, link, err := o.fetchPage(ctx, next)
		if err != nil {
			return nil, err
		}
		users = append(users, ids...)
		if link != "" && !o.sameOrigin(link) {
			return nil, fmt.Errorf("okta list users: next link %q leaves %s", link, o.baseURL)
		}
		next = link
	}
	return users, nil
}

// sameOrigin reports whether link has the base URL's scheme and host, so the
// token is never sent elsewhere.
func (o *Okta) sameOrigin(link string) bool {
	base, err := url.Parse(o.baseURL)
	if err != nil {
		return false
	}
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, base.Scheme) && strings.EqualFold(u.Host, base.Host)
}

func (o *Okta) fetchPage(ctx context.Context, pageURL string) ([]string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("okta request: %w", err)
	}
	req.Header.Set("Authorization", "SSWS "+o.token)
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("okta list users: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, "", fmt.Errorf("okta read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("okta list users: status %d: %s", resp.StatusCode, gjson.GetBytes(body, "errorSummary").String())
	}
	if !gjson.ValidBytes(body) {
		return nil, "", fmt.Errorf("okta list users: malformed json")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, "", fmt.Errorf("okta list users: expected array")
	}

	var ids []string
	root.ForEach(func(_, user gjson.Result) bool {
		if !strings.EqualFold(user.Get("status").String(), "ACTIVE") {
			return true
		}
		if id := strings.TrimSpace(user.Get("id").String()); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids, nextLink(resp.Header.Values("Link")), nil
}

// nextLink extracts the rel="next" target from Link headers.
func nextLink(values []string) string {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			segs := strings.Split(part, ";")
			if len(segs) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(segs[0]), "<>")
			for _, param := range segs[1:] {
				if strings.ReplaceAll(strings.TrimSpace(param), " ", "") == `rel="next"` {
					return target
				}
			}
		}
	}
	return ""
}
