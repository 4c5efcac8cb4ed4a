package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/bringyour/collab/collab"
)

const CollabCtlVersion = "0.0.1"

const DefaultApiUrl = "http://localhost:8080"

func main() {
	usage := fmt.Sprintf(
		`Diagram collaboration control.

The default api url is %s. The token is read from --token, then $COLLAB_TOKEN,
then prompted for.

Usage:
    collabctl connect --threat_model=<threat_model_id> --diagram=<diagram_id>
        [--api_url=<api_url>] [--token=<token>] [--config=<config>]
        [--store=<store>] [--start] [--read_only] [--verbose=<level>]
    collabctl replay --threat_model=<threat_model_id> --diagram=<diagram_id>
        [--api_url=<api_url>] [--token=<token>] [--config=<config>]
        [--store=<store>] [--start] [--verbose=<level>]
        <operations_file>
    collabctl save --threat_model=<threat_model_id> --diagram=<diagram_id>
        --store=<store> [--verbose=<level>] <document_file>
    collabctl whoami [--token=<token>]
    collabctl redact <url>

Options:
    -h --help                            Show this screen.
    --version                            Show version.
    --api_url=<api_url>                  The api url.
    --token=<token>                      Your access token.
    --config=<config>                    Config file [default: ~/.config/collab/config.toml].
    --threat_model=<threat_model_id>     Threat model id.
    --diagram=<diagram_id>               Diagram id.
    --store=<store>                      Save to this sqlite file instead of the api.
    --start                              Start a collaboration session before connecting.
    --read_only                          Receive only.
    --verbose=<level>                    Log verbosity [default: 0].`,
		DefaultApiUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if level, err := opts.String("--verbose"); err == nil && level != "" {
		flag.Set("v", level)
	}
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	if connect_, _ := opts.Bool("connect"); connect_ {
		connect(opts)
	} else if replay_, _ := opts.Bool("replay"); replay_ {
		replay(opts)
	} else if save_, _ := opts.Bool("save"); save_ {
		save(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if redact_, _ := opts.Bool("redact"); redact_ {
		redact(opts)
	}
}

func connect(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	client := newCollabClient(ctx, opts)
	defer client.close()

	client.connect(ctx)

	<-ctx.Done()
}

// replay applies the operation batches of a file as local edits, one json array per line
func replay(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	operationsFile, _ := opts.String("<operations_file>")
	file, err := os.Open(operationsFile)
	if err != nil {
		panic(err)
	}
	defer file.Close()

	client := newCollabClient(ctx, opts)
	defer client.close()

	client.connect(ctx)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for batchIndex := 0; scanner.Scan(); batchIndex += 1 {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var operations []*collab.CellOperation
		if err := json.Unmarshal(line, &operations); err != nil {
			panic(fmt.Errorf("batch %d: %w", batchIndex, err))
		}

		client.broadcaster.StartAtomicOperation()
		if err := client.graph.ApplyOperations(operations); err != nil {
			client.broadcaster.CancelAtomicOperation()
			panic(fmt.Errorf("batch %d: %w", batchIndex, err))
		}
		if err := client.broadcaster.CommitAtomicOperation(ctx); err != nil {
			fmt.Printf("batch %d not sent: %s\n", batchIndex, err)
		}
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}

	if _, err := client.coordinator.TriggerManualSave(ctx, client.saveContext); err != nil {
		fmt.Printf("save error: %s\n", err)
	}
	tracking := client.coordinator.Tracking()
	fmt.Printf(
		"replayed %d edits, saved %d at version %d\n",
		tracking.LocalEditIndex,
		tracking.LastSavedEditIndex,
		tracking.LastSavedServerVersion,
	)
}

func save(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	threatModelId, _ := opts.String("--threat_model")
	diagramId, _ := opts.String("--diagram")
	storePath, _ := opts.String("--store")
	documentFile, _ := opts.String("<document_file>")

	documentBytes, err := os.ReadFile(documentFile)
	if err != nil {
		panic(err)
	}
	document := &collab.DiagramDocument{}
	if err := json.Unmarshal(documentBytes, document); err != nil {
		panic(err)
	}
	document.DiagramId = diagramId

	store, err := collab.OpenSqlitePersistence(ctx, storePath)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	graph := collab.NewMemoryGraph(diagramId, document.Name)
	graph.Load(document)

	coordinator := collab.NewSaveCoordinatorWithDefaults(store, graph)
	coordinator.UpdateServerUpdateVector(document.UpdateVector)
	result, err := coordinator.ForceSave(ctx, collab.SaveContext{
		ThreatModelId: threatModelId,
		DiagramId:     diagramId,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("saved %d cells at version %d\n", len(document.Cells), *result.UpdateVector)
}

func whoami(opts docopt.Opts) {
	token := requireToken(opts)
	identity, err := collab.ParseIdentityUnverified(token)
	if err != nil {
		panic(err)
	}
	fmt.Printf("user_id: %s\n", identity.UserId)
	if identity.Email != "" {
		fmt.Printf("email: %s\n", identity.Email)
	}
	if identity.Name != "" {
		fmt.Printf("name: %s\n", identity.Name)
	}
	if !identity.ExpiresAt.IsZero() {
		fmt.Printf("expires_at: %s (expired %t)\n", identity.ExpiresAt.Format(time.RFC3339), identity.IsExpired(time.Now()))
	}
}

func redact(opts docopt.Opts) {
	address, _ := opts.String("<url>")
	fmt.Printf("%s\n", collab.RedactUrl(address))
}

func requireToken(opts docopt.Opts) string {
	if token, err := opts.String("--token"); err == nil && token != "" {
		return token
	}
	if token := os.Getenv("COLLAB_TOKEN"); token != "" {
		return token
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		panic(errors.New("no token. Use --token or COLLAB_TOKEN."))
	}
	fmt.Print("Enter token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(tokenBytes)
}

// collabClient wires one collaboration session of one diagram
type collabClient struct {
	apiUrl      string
	session     *collab.Session
	saveContext collab.SaveContext

	api         *collab.CollabApi
	store       *collab.SqlitePersistence
	manager     *collab.ConnectionManager
	graph       *collab.MemoryGraph
	broadcaster *collab.OperationBroadcaster
	receiver    *collab.RemoteReceiver
	coordinator *collab.SaveCoordinator

	start    bool
	cleanups []func()
}

func newCollabClient(ctx context.Context, opts docopt.Opts) *collabClient {
	configPath, _ := opts.String("--config")
	config, err := collab.LoadConfig(configPath)
	if err != nil {
		panic(err)
	}

	apiUrl := config.ApiUrl
	if apiUrlArg, err := opts.String("--api_url"); err == nil && apiUrlArg != "" {
		apiUrl = apiUrlArg
	}
	if apiUrl == "" {
		apiUrl = DefaultApiUrl
	}

	threatModelId, _ := opts.String("--threat_model")
	diagramId, _ := opts.String("--diagram")

	token := requireToken(opts)
	identity, err := collab.ParseIdentityUnverified(token)
	if err != nil {
		panic(err)
	}
	if identity.IsExpired(time.Now()) {
		panic(fmt.Errorf("token for %s expired at %s", identity.UserId, identity.ExpiresAt.Format(time.RFC3339)))
	}

	client := &collabClient{
		apiUrl:  apiUrl,
		session: collab.NewSession(threatModelId, diagramId, identity.UserId),
		saveContext: collab.SaveContext{
			ThreatModelId: threatModelId,
			DiagramId:     diagramId,
		},
	}
	client.start, _ = opts.Bool("--start")
	readOnly, _ := opts.Bool("--read_only")
	client.session.SetReadOnly(readOnly)
	client.session.SetCollaborating(true)

	client.api = collab.NewCollabApiWithContext(ctx, apiUrl)
	client.api.SetByJwt(token)

	client.manager = collab.NewConnectionManager(ctx, collab.NewWsTransportWithDefaults(token), config.Connection)
	client.graph = collab.NewMemoryGraph(diagramId, "")

	var persistence collab.Persistence
	storePath, _ := opts.String("--store")
	if storePath == "" {
		storePath = config.StorePath
	}
	if storePath != "" {
		client.store, err = collab.OpenSqlitePersistence(ctx, storePath)
		if err != nil {
			panic(err)
		}
		persistence = client.store
		if document, err := client.store.Load(ctx, threatModelId, diagramId); err == nil {
			client.graph.Load(document)
		}
	} else {
		persistence = collab.NewRestPersistence(client.api)
		diagram, err := client.api.GetDiagramSync(ctx, threatModelId, diagramId)
		if err != nil {
			panic(collab.ClassifyError(err))
		}
		client.graph.Load(diagram.Document())
	}

	client.coordinator = collab.NewSaveCoordinator(persistence, client.graph, config.Save)
	client.broadcaster = collab.NewOperationBroadcaster(ctx, client.session, client.manager, config.Broadcaster)
	client.receiver = collab.NewRemoteReceiver(client.session, client.graph, client.coordinator)

	client.wire()
	return client
}

func (self *collabClient) wire() {
	self.cleanups = append(self.cleanups,
		self.manager.AddStateCallback(func(state collab.ConnectionState) {
			fmt.Printf("state: %s\n", state)
		}),
		self.manager.AddErrorCallback(func(err *collab.ConnectionError) {
			fmt.Printf("connection error: %s (recoverable %t, retryable %t)\n", err, err.IsRecoverable, err.Retryable)
		}),
		self.manager.AddEnvelopeCallback(func(envelope *collab.Envelope) {
			switch envelope.Type {
			case collab.MessageTypeUserJoined, collab.MessageTypeUserLeft, collab.MessageTypeCursorMove, collab.MessageTypePresence:
				fmt.Printf("%s: %s\n", envelope.Type, string(envelope.Data))
			}
		}),
		self.manager.AddTypedEventCallback("participants_update", func(event *collab.TypedEvent) {
			fmt.Printf("participants: %s\n", string(event.Raw))
		}),
		self.receiver.Attach(self.manager),
		self.receiver.AddAppliedCallback(func(userId string, operations []*collab.CellOperation) {
			fmt.Printf("%s: %d operations\n", userId, len(operations))
		}),
		self.broadcaster.AddErrorCallback(func(operations []*collab.CellOperation, err error) {
			fmt.Printf("%d operations not sent: %s\n", len(operations), err)
		}),
		self.coordinator.AddSaveCallback(func(operation *collab.SaveOperation, result *collab.SaveResult) {
			version := "?"
			if result.UpdateVector != nil {
				version = strconv.FormatInt(*result.UpdateVector, 10)
			}
			fmt.Printf("saved edit %d at version %s\n", operation.EditIndex, version)
		}),
		self.coordinator.AddErrorCallback(func(err error) {
			fmt.Printf("save error: %s\n", err)
		}),
	)

	// local edits advance the edit counter
	recordEdit := func(event *collab.GraphEvent) {
		if event.Intermediate || self.session.IsApplyingRemote() || self.session.IsReadOnly() {
			return
		}
		editIndex := self.coordinator.RecordEdit()
		if err := self.coordinator.Trigger(editIndex, self.saveContext); err != nil {
			glog.Infof("[ctl]trigger %d = %s\n", editIndex, err)
		}
	}
	for _, eventType := range []collab.GraphEventType{
		collab.GraphEventCellAdded,
		collab.GraphEventCellRemoved,
		collab.GraphEventCellChanged,
		collab.GraphEventEdgeConnected,
	} {
		self.cleanups = append(self.cleanups, self.graph.On(eventType, recordEdit))
	}

	self.broadcaster.InitializeListeners(self.graph)
}

func (self *collabClient) connect(ctx context.Context) {
	address, err := collab.CollaborationUrl(self.apiUrl, self.session.DiagramId)
	if err != nil {
		panic(err)
	}
	if self.start {
		startCallback, startChannel := collab.NewBlockingApiCallback[*collab.CollaborationSessionResult]()
		self.api.StartCollaboration(self.session.ThreatModelId, self.session.DiagramId, startCallback)
		var startResult collab.ApiCallbackResult[*collab.CollaborationSessionResult]
		select {
		case <-ctx.Done():
			return
		case startResult = <-startChannel:
		}
		if startResult.Error != nil {
			panic(collab.ClassifyError(startResult.Error))
		}
		if startResult.Result.WebsocketUrl != "" {
			address = startResult.Result.WebsocketUrl
		}
		fmt.Printf("session_id: %s\n", startResult.Result.SessionId)
	}

	if err := self.manager.Connect(ctx, address); err != nil {
		panic(err)
	}
}

func (self *collabClient) close() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	self.broadcaster.Dispose()
	self.coordinator.Stop()
	if err := self.coordinator.WaitIdle(shutdownCtx); err != nil {
		glog.Infof("[ctl]save still in flight = %s\n", err)
	}
	for _, cleanup := range self.cleanups {
		cleanup()
	}
	if self.start {
		if err := self.api.EndCollaborationSync(shutdownCtx, self.session.ThreatModelId, self.session.DiagramId); err != nil {
			glog.Infof("[ctl]end collaboration = %s\n", err)
		}
	}
	self.manager.Close()
	self.api.Close()
	if self.store != nil {
		self.store.Close()
	}
}
