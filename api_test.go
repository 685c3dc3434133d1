package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestApiServer() (*httptest.Server, Id) {
	projectId := NewId()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var args AuthLoginArgs
		json.NewDecoder(r.Body).Decode(&args)
		if args.Password != "hunter2" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(&AuthLoginResult{
			Username: args.Username,
			Email:    args.Username + "@example.com",
			ByJwt:    "test-jwt",
		})
	})
	mux.HandleFunc("/projects/"+projectId.String()+"/shared-users", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]*UserViewModel{
			{UserId: 1, Username: "ada"},
			{UserId: 2, Username: "brin"},
		})
	})
	mux.HandleFunc("/views/v1/rows", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&ListViewRowsResult{
			Rows: []*RowViewModel{
				{RowId: "r1", Version: 4, Data: map[string]any{"qty": float64(10)}},
			},
		})
	})
	mux.HandleFunc("/views/v1/rows/r1/cell", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PUT" {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var args UpdateCellArgs
		json.NewDecoder(r.Body).Decode(&args)
		json.NewEncoder(w).Encode(&UpdateCellResult{
			RowVersion: args.RowVersion + 1,
		})
	})

	return httptest.NewServer(mux), projectId
}

func TestApiLogin(t *testing.T) {
	server, _ := newTestApiServer()
	defer server.Close()

	api := NewWorkspaceApi(server.URL)

	result, err := api.AuthLoginSync(&AuthLoginArgs{
		Username: "ada",
		Password: "hunter2",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "test-jwt", result.ByJwt)
	assert.Equal(t, "ada", result.Username)

	_, err = api.AuthLoginSync(&AuthLoginArgs{
		Username: "ada",
		Password: "wrong",
	})
	assert.NotEqual(t, err, nil)
}

func TestApiSharedUsersAndRows(t *testing.T) {
	server, projectId := newTestApiServer()
	defer server.Close()

	api := NewWorkspaceApi(server.URL)
	api.SetByJwt("test-jwt")

	sharedUsers, err := api.ListSharedUsersSync(projectId)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(sharedUsers))

	rowsResult, err := api.ListViewRowsSync("v1")
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(rowsResult.Rows))

	snapshots := RowSnapshotsFromViewModels(rowsResult.Rows)
	assert.Equal(t, "r1", snapshots[0].RowId)
	assert.Equal(t, int64(4), snapshots[0].Version)
	assert.Equal(t, float64(10), snapshots[0].Fields["qty"])
}

func TestApiUpdateCell(t *testing.T) {
	server, _ := newTestApiServer()
	defer server.Close()

	api := NewWorkspaceApi(server.URL)
	api.SetByJwt("test-jwt")

	result, err := api.UpdateCellSync("v1", "r1", &UpdateCellArgs{
		Value:      float64(42),
		ColumnName: "qty",
		RowVersion: 4,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(5), result.RowVersion)
}

func TestApiAsyncCallback(t *testing.T) {
	server, _ := newTestApiServer()
	defer server.Close()

	api := NewWorkspaceApi(server.URL)

	callback, channel := NewBlockingApiCallback[*AuthLoginResult]()
	api.AuthLogin(&AuthLoginArgs{
		Username: "ada",
		Password: "hunter2",
	}, callback)

	result := <-channel
	assert.Equal(t, result.Error, nil)
	assert.Equal(t, "test-jwt", result.Result.ByJwt)
}
