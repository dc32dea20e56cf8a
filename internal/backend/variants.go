package backend

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/MEKXH/picard/internal/approval"
	"github.com/MEKXH/picard/internal/config"
	"github.com/tidwall/gjson"
)

// pendingAPI is the contract shared by Coupa, Brex and Workday integrations.
type pendingAPI struct{}

func (pendingAPI) fetch(userID string) request {
	return request{
		method: http.MethodGet,
		path:   "/api/pending_approvals",
		query:  url.Values{"user_id": {userID}},
	}
}

func (pendingAPI) listPath() string { return "" }

func (pendingAPI) item(raw gjson.Result, _ string) approval.Item {
	return approval.Item{
		ID:      raw.Get("id").String(),
		Summary: raw.Get("summary").String(),
		Date:    parseTime(raw.Get("date").String()),
		Link:    raw.Get("link").String(),
	}
}

func (pendingAPI) submit(userID string, item approval.Item, action approval.Action, comment string) request {
	return request{
		method: http.MethodPost,
		path:   "/api/" + string(action),
		body: map[string]any{
			"user_id":     userID,
			"approval_id": item.ID,
			"comments":    comment,
		},
	}
}

func (pendingAPI) accepted(status int, body gjson.Result) (bool, string) {
	msg := body.Get("message").String()
	if !success(status) {
		return false, msg
	}
	return strings.EqualFold(body.Get("status").String(), string(approval.StatusSuccess)), msg
}

// NewCoupa creates the Coupa purchase request and invoice adapter.
func NewCoupa(cfg config.BackendConfig, client *http.Client) *HTTPAdapter {
	return newHTTPAdapter(approval.SystemCoupa, cfg, pendingAPI{}, client)
}

// NewBrex creates the Brex expense and budget adapter.
func NewBrex(cfg config.BackendConfig, client *http.Client) *HTTPAdapter {
	return newHTTPAdapter(approval.SystemBrex, cfg, pendingAPI{}, client)
}

// NewWorkday creates the Workday business process adapter.
func NewWorkday(cfg config.BackendConfig, client *http.Client) *HTTPAdapter {
	return newHTTPAdapter(approval.SystemWorkday, cfg, pendingAPI{}, client)
}

type jiraAPI struct {
	approveTransition string
	rejectTransition  string
}

func (jiraAPI) fetch(userID string) request {
	user := strings.ReplaceAll(userID, `"`, "")
	return request{
		method: http.MethodGet,
		path:   "/rest/api/2/search",
		query:  url.Values{"jql": {`assignee="` + user + `" AND status="Pending Approval"`}},
	}
}

func (jiraAPI) listPath() string { return "issues" }

func (jiraAPI) item(raw gjson.Result, baseURL string) approval.Item {
	key := raw.Get("key").String()
	if key == "" {
		key = raw.Get("id").String()
	}
	return approval.Item{
		ID:      key,
		Summary: raw.Get("fields.summary").String(),
		Date:    parseTime(raw.Get("fields.created").String()),
		Link:    baseURL + "/browse/" + key,
	}
}

func (j jiraAPI) submit(_ string, item approval.Item, action approval.Action, comment string) request {
	transition := j.approveTransition
	if action == approval.ActionReject {
		transition = j.rejectTransition
	}
	body := map[string]any{
		"transition": map[string]any{"id": transition},
	}
	if strings.TrimSpace(comment) != "" {
		body["update"] = map[string]any{
			"comment": []any{map[string]any{"add": map[string]any{"body": comment}}},
		}
	}
	return request{
		method: http.MethodPost,
		path:   "/rest/api/2/issue/" + url.PathEscape(item.ID) + "/transitions",
		body:   body,
	}
}

func (jiraAPI) accepted(status int, body gjson.Result) (bool, string) {
	if success(status) {
		return true, ""
	}
	return false, body.Get("errorMessages.0").String()
}

// NewJira creates the Jira adapter; decisions are applied as workflow transitions.
func NewJira(cfg config.JiraConfig, client *http.Client) *HTTPAdapter {
	v := jiraAPI{
		approveTransition: strings.TrimSpace(cfg.ApproveTransitionID),
		rejectTransition:  strings.TrimSpace(cfg.RejectTransitionID),
	}
	return newHTTPAdapter(approval.SystemJira, cfg.BackendConfig, v, client)
}

type serviceNowAPI struct{}

func (serviceNowAPI) fetch(userID string) request {
	return request{
		method: http.MethodGet,
		path:   "/api/now/table/approval",
		query:  url.Values{"assigned_to": {userID}, "state": {"requested"}},
	}
}

func (serviceNowAPI) listPath() string { return "result" }

func (serviceNowAPI) item(raw gjson.Result, baseURL string) approval.Item {
	id := raw.Get("sys_id").String()
	summary := raw.Get("short_description").String()
	if summary == "" {
		summary = raw.Get("sysapproval.display_value").String()
	}
	return approval.Item{
		ID:      id,
		Summary: summary,
		Date:    parseTime(raw.Get("sys_created_on").String()),
		Link:    baseURL + "/nav_to.do?uri=sysapproval_approver.do?sys_id=" + id,
	}
}

func (serviceNowAPI) submit(_ string, item approval.Item, action approval.Action, comment string) request {
	return request{
		method: http.MethodPatch,
		path:   "/api/now/table/approval/" + url.PathEscape(item.ID),
		body: map[string]any{
			"state":    action.PastTense(),
			"comments": comment,
		},
	}
}

func (serviceNowAPI) accepted(status int, body gjson.Result) (bool, string) {
	if success(status) {
		return true, ""
	}
	return false, body.Get("error.message").String()
}

// NewServiceNow creates the ServiceNow approval table adapter.
func NewServiceNow(cfg config.BackendConfig, client *http.Client) *HTTPAdapter {
	return newHTTPAdapter(approval.SystemServiceNow, cfg, serviceNowAPI{}, client)
}
