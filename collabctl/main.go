package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/tablehub/collab"
)

const DefaultApiUrl = "https://api.tablehub.io"
const DefaultConnectUrl = "wss://connect.tablehub.io"

const LocalVersion = "0.0.0-local"

func RequireVersion() string {
	if version := os.Getenv("COLLAB_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}

func main() {
	usage := fmt.Sprintf(
		`Collaboration session client.

The default urls are:
    api_url: %s
    connect_url: %s

Usage:
    collabctl watch --project_id=<project_id> --user_auth=<user_auth> [--password=<password>]
        [--view_id=<view_id>]
        [--api_url=<api_url>]
        [--connect_url=<connect_url>]

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    --project_id=<project_id>
    --user_auth=<user_auth>
    --password=<password>
    --view_id=<view_id>       Load this view's rows into the cache.
    --api_url=<api_url>
    --connect_url=<connect_url>`,
		DefaultApiUrl,
		DefaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func watch(opts docopt.Opts) {
	var apiUrl string
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		apiUrl = apiUrlAny.(string)
	} else {
		apiUrl = DefaultApiUrl
	}

	var connectUrl string
	if connectUrlAny := opts["--connect_url"]; connectUrlAny != nil {
		connectUrl = connectUrlAny.(string)
	} else {
		connectUrl = DefaultConnectUrl
	}

	projectId, err := collab.ParseId(opts["--project_id"].(string))
	if err != nil {
		panic(err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := collab.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	api, byJwt := watchAuth(ctx, apiUrl, opts)

	identity, err := collab.ParseByJwtUnverified(byJwt)
	if err != nil {
		panic(err)
	}
	fmt.Printf("user: %s (%d)\n", identity.Username, identity.UserId)

	auth := &collab.SessionAuth{
		ByJwt:      byJwt,
		AppVersion: RequireVersion(),
	}
	session := collab.NewCollabSessionWithDefaults(
		ctx,
		collab.CollabUrl(connectUrl, projectId),
		auth,
	)
	defer session.Close()

	session.AddStateChangeCallback(func(state collab.ConnectionState) {
		fmt.Printf("connection: %s\n", state)
		if state.IsTerminal() {
			fmt.Printf("type `reconnect` to retry\n")
		}
	})
	session.Presence().AddPresenceChangeCallback(func(users []*collab.PresenceRecord) {
		names := []string{}
		for _, user := range users {
			name := user.Username
			if user.FocusedRowId != "" {
				name = fmt.Sprintf("%s@%s", name, user.FocusedRowId)
			}
			names = append(names, name)
		}
		fmt.Printf("online: %s\n", strings.Join(names, ", "))
	})
	session.Cache().AddChatMessageCallback(func(message *collab.ChatMessageEvent) {
		fmt.Printf("[%s] %s\n", message.UserUsername, message.Content)
	})

	sharedUsers, err := api.ListSharedUsersSync(projectId)
	if err == nil {
		fmt.Printf("shared with %d users\n", len(sharedUsers))
	}

	var viewId string
	if viewIdAny := opts["--view_id"]; viewIdAny != nil {
		viewId = viewIdAny.(string)
		rowsResult, err := api.ListViewRowsSync(viewId)
		if err != nil {
			panic(err)
		}
		session.Cache().LoadRows(viewId, collab.RowSnapshotsFromViewModels(rowsResult.Rows))
		fmt.Printf("loaded %d rows for view %s\n", len(rowsResult.Rows), viewId)
	}

	session.Connect()
	if viewId != "" {
		session.ChangeView(viewId)
	}

	go commandLoop(session, event, viewId)

	event.WaitForSet()

	// exit
	os.Exit(0)
}

func commandLoop(session *collab.CollabSession, event *collab.Event, viewId string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "quit":
			event.Set()
			return
		case line == "reconnect":
			session.Connect()
		case line == "disconnect":
			session.Disconnect()
		case strings.HasPrefix(line, "focus "):
			session.ChangeFocus(strings.TrimSpace(line[len("focus "):]))
		case strings.HasPrefix(line, "view "):
			session.ChangeView(strings.TrimSpace(line[len("view "):]))
		case strings.HasPrefix(line, "rows"):
			for _, row := range session.Cache().Rows(viewId) {
				fmt.Printf("%s v%d %v\n", row.RowId, row.Version, row.Fields)
			}
		default:
			session.PostChatMessage(line, viewId)
		}
	}
}

func watchAuth(ctx context.Context, apiUrl string, opts docopt.Opts) (*collab.WorkspaceApi, string) {
	userAuth := opts["--user_auth"].(string)

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
		fmt.Printf("\n")
	}

	api := collab.NewWorkspaceApiWithContext(ctx, apiUrl)

	loginCallback, loginChannel := collab.NewBlockingApiCallback[*collab.AuthLoginResult]()

	loginArgs := &collab.AuthLoginArgs{
		Username: userAuth,
		Password: password,
	}

	api.AuthLogin(loginArgs, loginCallback)

	var loginResult collab.ApiCallbackResult[*collab.AuthLoginResult]
	select {
	case <-ctx.Done():
		os.Exit(0)
	case loginResult = <-loginChannel:
	}

	if loginResult.Error != nil {
		panic(loginResult.Error)
	}
	if loginResult.Result.Error != nil {
		panic(fmt.Errorf("%s", loginResult.Result.Error.Message))
	}

	api.SetByJwt(loginResult.Result.ByJwt)

	return api, loginResult.Result.ByJwt
}
