package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
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
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// CollabApi is the REST surface of the collaboration server
type CollabApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	client *http.Client

	jwt string
}

func NewCollabApi(apiUrl string) *CollabApi {
	return NewCollabApiWithContext(context.Background(), apiUrl)
}

func NewCollabApiWithContext(ctx context.Context, apiUrl string) *CollabApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CollabApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimSuffix(apiUrl, "/"),
		client: defaultClient(),
	}
}

// this gets attached to api calls that need it
func (self *CollabApi) SetByJwt(jwt string) {
	self.jwt = jwt
}

func (self *CollabApi) Close() {
	self.cancel()
}

func (self *CollabApi) diagramUrl(threatModelId string, diagramId string) string {
	return fmt.Sprintf(
		"%s/threat_models/%s/diagrams/%s",
		self.apiUrl,
		url.PathEscape(threatModelId),
		url.PathEscape(diagramId),
	)
}

type DiagramResult struct {
	Id           string  `json:"id"`
	Name         string  `json:"name"`
	Cells        []*Cell `json:"cells"`
	UpdateVector *int64  `json:"update_vector,omitempty"`
}

func (self *DiagramResult) Document() *DiagramDocument {
	document := &DiagramDocument{
		DiagramId: self.Id,
		Name:      self.Name,
		Cells:     self.Cells,
	}
	if self.UpdateVector != nil {
		document.UpdateVector = *self.UpdateVector
	}
	return document
}

type GetDiagramCallback apiCallback[*DiagramResult]

func (self *CollabApi) GetDiagram(threatModelId string, diagramId string, callback GetDiagramCallback) {
	go self.GetDiagramWithCallback(self.ctx, threatModelId, diagramId, callback)
}

func (self *CollabApi) GetDiagramSync(ctx context.Context, threatModelId string, diagramId string) (*DiagramResult, error) {
	return self.GetDiagramWithCallback(ctx, threatModelId, diagramId, NewNoopApiCallback[*DiagramResult]())
}

func (self *CollabApi) GetDiagramWithCallback(
	ctx context.Context,
	threatModelId string,
	diagramId string,
	callback GetDiagramCallback,
) (*DiagramResult, error) {
	return request(
		ctx,
		self.client,
		http.MethodGet,
		self.diagramUrl(threatModelId, diagramId),
		nil,
		self.jwt,
		&DiagramResult{},
		callback,
	)
}

type UpdateDiagramArgs struct {
	Name  string  `json:"name,omitempty"`
	Cells []*Cell `json:"cells"`
	// the server version the update is based on
	UpdateVector int64 `json:"update_vector,omitempty"`
}

type UpdateDiagramCallback apiCallback[*DiagramResult]

func (self *CollabApi) UpdateDiagram(
	threatModelId string,
	diagramId string,
	updateDiagram *UpdateDiagramArgs,
	callback UpdateDiagramCallback,
) {
	go request(
		self.ctx,
		self.client,
		http.MethodPut,
		self.diagramUrl(threatModelId, diagramId),
		updateDiagram,
		self.jwt,
		&DiagramResult{},
		callback,
	)
}

func (self *CollabApi) UpdateDiagramSync(
	ctx context.Context,
	threatModelId string,
	diagramId string,
	updateDiagram *UpdateDiagramArgs,
) (*DiagramResult, error) {
	return request(
		ctx,
		self.client,
		http.MethodPut,
		self.diagramUrl(threatModelId, diagramId),
		updateDiagram,
		self.jwt,
		&DiagramResult{},
		NewNoopApiCallback[*DiagramResult](),
	)
}

type CollaborationSessionResult struct {
	SessionId    string   `json:"session_id"`
	WebsocketUrl string   `json:"websocket_url"`
	Participants []string `json:"participants,omitempty"`
}

type StartCollaborationCallback apiCallback[*CollaborationSessionResult]

func (self *CollabApi) StartCollaboration(threatModelId string, diagramId string, callback StartCollaborationCallback) {
	go request(
		self.ctx,
		self.client,
		http.MethodPost,
		self.diagramUrl(threatModelId, diagramId)+"/collaborate",
		nil,
		self.jwt,
		&CollaborationSessionResult{},
		callback,
	)
}

func (self *CollabApi) StartCollaborationSync(
	ctx context.Context,
	threatModelId string,
	diagramId string,
) (*CollaborationSessionResult, error) {
	return request(
		ctx,
		self.client,
		http.MethodPost,
		self.diagramUrl(threatModelId, diagramId)+"/collaborate",
		nil,
		self.jwt,
		&CollaborationSessionResult{},
		NewNoopApiCallback[*CollaborationSessionResult](),
	)
}

type EndCollaborationResult struct {
}

func (self *CollabApi) EndCollaborationSync(ctx context.Context, threatModelId string, diagramId string) error {
	_, err := request(
		ctx,
		self.client,
		http.MethodDelete,
		self.diagramUrl(threatModelId, diagramId)+"/collaborate",
		nil,
		self.jwt,
		&EndCollaborationResult{},
		NewNoopApiCallback[*EndCollaborationResult](),
	)
	return err
}

func request[R any](
	ctx context.Context,
	client *http.Client,
	method string,
	requestUrl string,
	args any,
	jwt string,
	result R,
	callback apiCallback[R],
) (R, error) {
	var empty R

	var body io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			callback.Result(empty, err)
			return empty, err
		}
		body = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestUrl, body)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	if jwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", jwt))
	}

	r, err := client.Do(req)
	if err != nil {
		err = fmt.Errorf("%s %s: %s", method, RedactUrl(requestUrl), RedactText(err.Error(), requestUrl))
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the status leads so that auth failures classify as such
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = fmt.Errorf(
			"%d %s: %s %s: %s",
			r.StatusCode,
			http.StatusText(r.StatusCode),
			method,
			RedactUrl(requestUrl),
			truncate(RedactText(errorMessage), 256),
		)
		callback.Result(empty, err)
		return empty, err
	}

	if 0 < len(bytes.TrimSpace(responseBodyBytes)) {
		if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}

// RestPersistence saves through `PUT /threat_models/{id}/diagrams/{id}`
type RestPersistence struct {
	api *CollabApi
}

func NewRestPersistence(api *CollabApi) *RestPersistence {
	return &RestPersistence{
		api: api,
	}
}

func (self *RestPersistence) Save(ctx context.Context, operation *SaveOperation) (*SaveResult, error) {
	diagram, err := self.api.UpdateDiagramSync(
		ctx,
		operation.ThreatModelId,
		operation.DiagramId,
		&UpdateDiagramArgs{
			Name:         operation.Document.Name,
			Cells:        operation.Document.Cells,
			UpdateVector: operation.ServerVersion,
		},
	)
	if err != nil {
		return nil, err
	}
	return &SaveResult{
		Success:      true,
		UpdateVector: diagram.UpdateVector,
	}, nil
}
