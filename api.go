package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// the rest collaborators around the session: login, the project's shared
// user list, views, rows, and the confirmed cell edit. These endpoints are
// external to this core and assumed idempotent; the session only consumes
// them. Row edits go through `UpdateCell`, a confirmed request, never
// through the presence channel.

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type WorkspaceApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewWorkspaceApi(apiUrl string) *WorkspaceApi {
	return NewWorkspaceApiWithContext(context.Background(), apiUrl)
}

func NewWorkspaceApiWithContext(ctx context.Context, apiUrl string) *WorkspaceApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &WorkspaceApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *WorkspaceApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	Username string                `json:"username,omitempty"`
	Email    string                `json:"email,omitempty"`
	ByJwt    string                `json:"byJwt,omitempty"`
	Error    *AuthLoginResultError `json:"error,omitempty"`
}

type AuthLoginResultError struct {
	Message string `json:"message"`
}

func (self *WorkspaceApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		callback,
	)
}

func (self *WorkspaceApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type ListSharedUsersCallback apiCallback[[]*UserViewModel]

type UserViewModel struct {
	UserId    int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	AvatarUrl string `json:"avatarUrl,omitempty"`
}

// every user the project is shared with, connected or not.
// merge with live presence via `MergeSharedUsers`.
func (self *WorkspaceApi) ListSharedUsers(projectId Id, callback ListSharedUsersCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/projects/%s/shared-users", self.apiUrl, projectId),
		self.byJwt,
		[]*UserViewModel{},
		callback,
	)
}

func (self *WorkspaceApi) ListSharedUsersSync(projectId Id) ([]*UserViewModel, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/projects/%s/shared-users", self.apiUrl, projectId),
		self.byJwt,
		[]*UserViewModel{},
		NewNoopApiCallback[[]*UserViewModel](),
	)
}

type ListViewsCallback apiCallback[*ListViewsResult]

type ListViewsResult struct {
	Views []*ViewViewModel `json:"views"`
}

type ViewViewModel struct {
	ViewId   string `json:"id"`
	Name     string `json:"name"`
	ViewType string `json:"type,omitempty"`
	FileId   string `json:"fileId,omitempty"`
}

func (self *WorkspaceApi) ListViews(projectId Id, callback ListViewsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/views/project/%s", self.apiUrl, projectId),
		self.byJwt,
		&ListViewsResult{},
		callback,
	)
}

func (self *WorkspaceApi) ListViewsSync(projectId Id) (*ListViewsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/views/project/%s", self.apiUrl, projectId),
		self.byJwt,
		&ListViewsResult{},
		NewNoopApiCallback[*ListViewsResult](),
	)
}

type ListViewRowsCallback apiCallback[*ListViewRowsResult]

type ListViewRowsResult struct {
	Rows []*RowViewModel `json:"rows"`
}

type RowViewModel struct {
	RowId   string         `json:"id"`
	Version int64          `json:"version"`
	Data    map[string]any `json:"data"`
}

func (self *WorkspaceApi) ListViewRows(viewId string, callback ListViewRowsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/views/%s/rows", self.apiUrl, viewId),
		self.byJwt,
		&ListViewRowsResult{},
		callback,
	)
}

func (self *WorkspaceApi) ListViewRowsSync(viewId string) (*ListViewRowsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/views/%s/rows", self.apiUrl, viewId),
		self.byJwt,
		&ListViewRowsResult{},
		NewNoopApiCallback[*ListViewRowsResult](),
	)
}

// fetched rows in the shape the workspace cache loads
func RowSnapshotsFromViewModels(rows []*RowViewModel) []*RowSnapshot {
	snapshots := make([]*RowSnapshot, 0, len(rows))
	for _, row := range rows {
		fields := map[string]any{}
		for name, value := range row.Data {
			fields[name] = value
		}
		snapshots = append(snapshots, &RowSnapshot{
			RowId:   row.RowId,
			Version: row.Version,
			Fields:  fields,
		})
	}
	return snapshots
}

type UpdateCellCallback apiCallback[*UpdateCellResult]

type UpdateCellArgs struct {
	Value      any    `json:"value"`
	ColumnName string `json:"columnName"`
	RowVersion int64  `json:"rowVersion"`
}

type UpdateCellResult struct {
	RowVersion int64                  `json:"rowVersion,omitempty"`
	Error      *UpdateCellResultError `json:"error,omitempty"`
}

type UpdateCellResultError struct {
	// the server rejected the edit because the row moved under it
	VersionConflict bool   `json:"versionConflict,omitempty"`
	Message         string `json:"message"`
}

// the confirmed request for a local row edit. Peers learn about the edit
// through a `row_update` on the collaboration channel once the server
// commits it.
func (self *WorkspaceApi) UpdateCell(viewId string, rowId string, updateCell *UpdateCellArgs, callback UpdateCellCallback) {
	go put(
		self.ctx,
		fmt.Sprintf("%s/views/%s/rows/%s/cell", self.apiUrl, viewId, rowId),
		updateCell,
		self.byJwt,
		&UpdateCellResult{},
		callback,
	)
}

func (self *WorkspaceApi) UpdateCellSync(viewId string, rowId string, updateCell *UpdateCellArgs) (*UpdateCellResult, error) {
	return put(
		self.ctx,
		fmt.Sprintf("%s/views/%s/rows/%s/cell", self.apiUrl, viewId, rowId),
		updateCell,
		self.byJwt,
		&UpdateCellResult{},
		NewNoopApiCallback[*UpdateCellResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "POST", url, args, byJwt, result, callback)
}

func put[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "PUT", url, args, byJwt, result, callback)
}

func request[R any](ctx context.Context, method string, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
