package call

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"baraza/auth"
	"baraza/components/callrecord"
	"baraza/components/contacts"
	"baraza/jsonrpc2"
	"baraza/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	// Max wait time when writing message to peer
	writeWait = 10 * time.Second

	// Max time till next pong from peer
	pongWait = 60 * time.Second

	// Send ping interval, must be less then pong wait time
	pingPeriod = (pongWait * 9) / 10
)

var newline = []byte{'\n'}

type Action = string

const (
	StartCallAction       Action = "start-call"
	StartCircleCallAction Action = "start-circle-call"
	JoinCircleCallAction  Action = "join-circle-call"
	AcceptCallAction      Action = "accept-call"
	DeclineCallAction     Action = "decline-call"
	LeaveCallAction       Action = "leave-call"
	ToggleAudioAction     Action = "toggle-audio"
	ToggleVideoAction     Action = "toggle-video"
	CallHistoryAction     Action = "call-history"

	CallEventNotif   Action = "call-event"
	InviteEventNotif Action = "invite-event"
)

type StartCallParams struct {
	Callee string `json:"callee"`
	Video  bool   `json:"video"`
}

type CircleCallParams struct {
	CircleID string   `json:"circle_id"`
	CallID   string   `json:"call_id,omitempty"`
	Members  []string `json:"members,omitempty"`
	Video    bool     `json:"video"`
}

type CallActionParams struct {
	CallID string `json:"call_id"`
}

type HistoryParams struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// CallServer hosts the websocket edge for call control. Each connected
// client gets its own orchestrator and invite listener; signaling between
// users rides the shared transport, never the websocket.
type CallServer struct {
	transport   Transport
	media       Media
	contactRepo contacts.I_ContactRepo
	recordRepo  callrecord.I_CallRecordRepo
	iceServers  []string
	timeouts    Timeouts

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
}

func NewCallServer(mongoclient *mongo.Client, ctx context.Context, transport Transport, media Media, iceServers []string, timeouts Timeouts) *CallServer {
	userCollection := mongoclient.Database("baraza").Collection("users")
	recordCollection := mongoclient.Database("baraza").Collection("callrecords")

	return &CallServer{
		transport:   transport,
		media:       media,
		contactRepo: contacts.NewContactRepository(userCollection, ctx),
		recordRepo:  callrecord.NewCallRecordRepository(recordCollection, ctx),
		iceServers:  iceServers,
		timeouts:    timeouts,
		clients:     make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
	}
}

func (server *CallServer) InitRouteTo(rg *gin.Engine, devmode int) {
	rg.GET("/ws/call", auth.ValidUser(), func(c *gin.Context) {
		ServeWs(server, c, devmode)
	})
}

// Run accepts client registrations until the process exits.
func (server *CallServer) Run() {
	for {
		select {
		case client := <-server.register:
			server.clients[client] = true
			utils.Log().Info("call client connected", "uid", client.uid)

		case client := <-server.unregister:
			if _, ok := server.clients[client]; ok {
				delete(server.clients, client)
				utils.Log().Info("call client disconnected", "uid", client.uid)
			}
		}
	}
}

// Client represents one websocket connection controlling calls.
type Client struct {
	conn     *websocket.Conn
	server   *CallServer
	send     chan []byte
	uid      string
	username string

	orc      *Orchestrator
	listener *InviteListener
	disposed atomicBool
}

func newClient(conn *websocket.Conn, server *CallServer, uid, username string) *Client {
	client := &Client{
		conn:     conn,
		server:   server,
		send:     make(chan []byte, 256),
		uid:      uid,
		username: username,
	}

	client.orc = NewOrchestrator(
		uid,
		server.transport,
		server.media,
		server.contactRepo,
		server.recordRepo,
		server.iceServers,
		server.timeouts,
	)
	client.listener = NewInviteListener(server.transport, server.contactRepo, uid, server.timeouts.Invite)

	return client
}

// ServeWs handles websocket requests from clients requests.
func ServeWs(server *CallServer, c *gin.Context, devmode int) {
	userCtxValue, ok := c.Get("validuser")
	if !ok {
		utils.Log().Info("Not authenticated")
		return
	}

	user := userCtxValue.(*auth.Claims)
	if user.IsExpired() {
		utils.Log().Info("User token expired")
		return
	}

	if ok, err := utils.IsValidUsername(user.GetUsername()); !ok {
		utils.Log().Error(err, "rejecting client, bad username in token")
		return
	}

	var upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	if devmode > 0 {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return strings.HasPrefix(origin, "http://192.168.") || strings.HasPrefix(origin, "http://localhost")
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.Log().Error(err, "error while upgrading to websocket")
		return
	}

	client := newClient(conn, server, user.GetUID(), user.GetUsername())

	listenCtx, cancel := context.WithTimeout(context.Background(), server.timeouts.Subscribe)
	defer cancel()
	if err := client.listener.Listen(listenCtx); err != nil {
		utils.Log().Error(err, "error subscribing personal channel", "uid", client.uid)
		conn.Close()
		return
	}

	go client.forwardInvites()
	go client.writeThread()
	go client.readThread()

	server.register <- client
	utils.Log().Info("ServeWs " + user.GetUsername())
}

func (me *Client) readThread() {
	defer me.disconnect()

	me.conn.SetReadDeadline(time.Now().Add(pongWait))
	me.conn.SetPongHandler(func(string) error {
		// keep connection alive
		me.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, jsonMessage, err := me.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				utils.Log().Error(err, "unexpected websocket close error")
				break
			}

			if strings.Contains(err.Error(), "close") {
				utils.Log().V(2).Info(fmt.Sprintf("client @%s close connection", me.username))
				break
			}

			utils.Log().Error(err, "error while reading message")
			break
		}

		me.handleNewMessage(jsonMessage)

		if me.disposed.get() {
			break
		}
	}
}

func (me *Client) writeThread() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		me.conn.Close()
	}()
	for {
		select {
		case message, ok := <-me.send:
			me.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				me.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := me.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Attach queued messages to the current websocket message.
			n := len(me.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-me.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			me.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := me.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (me *Client) disconnect() {
	if !me.disposed.set(true) {
		return
	}
	utils.Log().Info("disconnect " + me.username)
	me.orc.Close()
	me.listener.Close()
	me.server.unregister <- me
	close(me.send)
	me.conn.Close()
}

func (me *Client) SendMsg(msg []byte) {
	if me.disposed.get() {
		return
	}
	select {
	case me.send <- msg:
	default:
		utils.Log().Error(nil, "send msg error, chanel closed")
	}
}

// forwardInvites pushes invite listener events down the websocket.
func (me *Client) forwardInvites() {
	for ev := range me.listener.Events() {
		me.notify(InviteEventNotif, ev)
	}
}

// forwardCallEvents pushes one session's events down the websocket until
// the session ends.
func (me *Client) forwardCallEvents(sess *CallSession) {
	for ev := range sess.Events() {
		me.notify(CallEventNotif, ev)
		if ev.Kind == EventEnded {
			return
		}
	}
}

func (me *Client) notify(method string, payload interface{}) {
	m, err := jsonrpc2.Notify(method, payload)
	if err != nil {
		utils.Log().Error(err, "error while create jsonrpc2 notify")
		return
	}
	me.SendMsg(m.Encode())
}

func (me *Client) replyError(id string, err error) {
	utils.Log().V(2).Info(fmt.Sprintf("ReplyWithError, %s", err))
	resErr, err := jsonrpc2.ReplyWithError(id, nil, http.StatusBadRequest, err)
	if err != nil {
		utils.Log().Error(err, "error while sending reply with error")
		return
	}
	me.SendMsg(resErr.Encode())
}

func (me *Client) reply(id string, result interface{}) {
	res, err := jsonrpc2.Reply(id, result)
	if err != nil {
		utils.Log().Error(err, "error while sending reply")
		return
	}
	me.SendMsg(res.Encode())
}

func (me *Client) handleNewMessage(jsonMessage []byte) {
	utils.Log().V(2).Info("handleNewMessage " + string(jsonMessage))
	var rpc jsonrpc2.RPCRequest
	if err := json.Unmarshal(jsonMessage, &rpc); err != nil {
		utils.Log().Error(err, "error on unmarshal JSON rpc")
		return
	}

	switch rpc.Method {
	case StartCallAction:
		me.handleStartCall(&rpc)

	case StartCircleCallAction:
		me.handleStartCircleCall(&rpc)

	case JoinCircleCallAction:
		me.handleJoinCircleCall(&rpc)

	case AcceptCallAction:
		me.handleAcceptCall(&rpc)

	case DeclineCallAction:
		me.handleDeclineCall(&rpc)

	case LeaveCallAction:
		me.handleLeaveCall(&rpc)

	case ToggleAudioAction, ToggleVideoAction:
		me.handleToggle(&rpc)

	case CallHistoryAction:
		me.handleCallHistory(&rpc)

	default:
		me.replyError(rpc.ID, fmt.Errorf("error, unknown method %s", rpc.Method))
	}
}

func (me *Client) handleStartCall(rpc *jsonrpc2.RPCRequest) {
	var params StartCallParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil {
		me.replyError(rpc.ID, err)
		return
	}

	if ok := utils.IsValidUid(params.Callee); !ok {
		me.replyError(rpc.ID, fmt.Errorf("error, invalid callee id %s", params.Callee))
		return
	}
	if params.Callee == me.uid {
		me.replyError(rpc.ID, fmt.Errorf("error, can not call yourself"))
		return
	}

	sess, err := me.orc.StartDirectCall(context.Background(), params.Callee, params.Video)
	if err != nil {
		me.replyError(rpc.ID, err)
		return
	}

	go me.forwardCallEvents(sess)
	me.reply(rpc.ID, gin.H{"call_id": sess.ID(), "room_id": sess.RoomID(), "status": sess.Status()})
}

func (me *Client) handleStartCircleCall(rpc *jsonrpc2.RPCRequest) {
	var params CircleCallParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil {
		me.replyError(rpc.ID, err)
		return
	}

	if params.CircleID == "" || len(params.Members) == 0 {
		me.replyError(rpc.ID, fmt.Errorf("error, circle id and members are required"))
		return
	}

	sess, err := me.orc.StartCircleCall(context.Background(), params.CircleID, params.Members, params.Video)
	if err != nil {
		me.replyError(rpc.ID, err)
		return
	}

	go me.forwardCallEvents(sess)
	me.reply(rpc.ID, gin.H{"call_id": sess.ID(), "room_id": sess.RoomID(), "status": sess.Status()})
}

func (me *Client) handleJoinCircleCall(rpc *jsonrpc2.RPCRequest) {
	var params CircleCallParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil {
		me.replyError(rpc.ID, err)
		return
	}

	if params.CircleID == "" || params.CallID == "" {
		me.replyError(rpc.ID, fmt.Errorf("error, circle id and call id are required"))
		return
	}

	sess, err := me.orc.JoinCircleCall(context.Background(), params.CircleID, params.CallID, params.Video)
	if err != nil {
		me.replyError(rpc.ID, err)
		return
	}

	go me.forwardCallEvents(sess)
	me.reply(rpc.ID, gin.H{"call_id": sess.ID(), "status": sess.Status()})
}

func (me *Client) handleAcceptCall(rpc *jsonrpc2.RPCRequest) {
	var params CallActionParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil {
		me.replyError(rpc.ID, err)
		return
	}

	inv := me.listener.Take(params.CallID)
	if inv == nil {
		me.replyError(rpc.ID, ErrUnknownInvite)
		return
	}

	sess, err := me.orc.Accept(context.Background(), inv)
	if err != nil {
		me.replyError(rpc.ID, err)
		return
	}

	go me.forwardCallEvents(sess)
	me.reply(rpc.ID, gin.H{"call_id": sess.ID(), "room_id": sess.RoomID(), "status": sess.Status()})
}

func (me *Client) handleDeclineCall(rpc *jsonrpc2.RPCRequest) {
	var params CallActionParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil {
		me.replyError(rpc.ID, err)
		return
	}

	if err := me.listener.DeclineCall(context.Background(), params.CallID); err != nil {
		me.replyError(rpc.ID, err)
		return
	}
	me.reply(rpc.ID, gin.H{"call_id": params.CallID, "declined": true})
}

func (me *Client) handleLeaveCall(rpc *jsonrpc2.RPCRequest) {
	var params CallActionParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil {
		me.replyError(rpc.ID, err)
		return
	}

	callID := params.CallID
	if callID == "" {
		if sess := me.orc.Active(); sess != nil {
			callID = sess.ID()
		}
	}

	if err := me.orc.Hangup(callID); err != nil {
		me.replyError(rpc.ID, err)
		return
	}
	me.reply(rpc.ID, gin.H{"call_id": callID, "left": true})
}

func (me *Client) handleToggle(rpc *jsonrpc2.RPCRequest) {
	sess := me.orc.Active()
	if sess == nil {
		me.replyError(rpc.ID, ErrCallEnded)
		return
	}

	if rpc.Method == ToggleAudioAction {
		me.reply(rpc.ID, gin.H{"call_id": sess.ID(), "muted": sess.ToggleAudio()})
		return
	}
	me.reply(rpc.ID, gin.H{"call_id": sess.ID(), "video_off": sess.ToggleVideo()})
}

func (me *Client) handleCallHistory(rpc *jsonrpc2.RPCRequest) {
	var params HistoryParams
	if len(rpc.Params) > 0 {
		if err := json.Unmarshal(rpc.Params, &params); err != nil {
			me.replyError(rpc.ID, err)
			return
		}
	}

	records, err := me.server.recordRepo.FindRecordsByUser(me.uid, params.Page, params.Limit)
	if err != nil {
		me.replyError(rpc.ID, err)
		return
	}
	me.reply(rpc.ID, gin.H{"records": records})
}
