package admin

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/tokenchannel"
)

var validChannel = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func success(c *gin.Context, extra gin.H) {
	h := gin.H{"status": "success"}
	for k, v := range extra {
		h[k] = v
	}
	c.JSON(http.StatusOK, h)
}

func failed(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, gin.H{"status": "failed", "error": msg})
}

func missing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"error": "Required parameters are missing."})
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logf("admin: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"status": "failed", "error": err.Error()})
}

// channelParam returns the validated channel path parameter. It answers
// the request and returns false if it is invalid.
func channelParam(c *gin.Context) (string, bool) {
	ch := c.Param("channel")
	if !validChannel.MatchString(ch) {
		failed(c, "Invalid channel name.")
		return "", false
	}
	return ch, true
}

func uidParam(c *gin.Context) (message.UID, bool) {
	uid, err := message.ParseUID(c.Param("uid"))
	if err != nil {
		failed(c, "Invalid uid.")
		return 0, false
	}
	return uid, true
}

// body reads the JSON object of the request body. It answers the request
// and returns false if the body is not a JSON object.
func body(c *gin.Context) (json.RawMessage, map[string]json.RawMessage, bool) {
	raw, err := c.GetRawData()
	if err != nil {
		missing(c)
		return nil, nil, false
	}
	var props map[string]json.RawMessage
	if err := json.Unmarshal(raw, &props); err != nil || props == nil {
		missing(c)
		return nil, nil, false
	}
	return raw, props, true
}

// stringProp returns the string property key of a request body, or ""
// if it is missing or not a string.
func stringProp(props map[string]json.RawMessage, key string) string {
	var s string
	if v, ok := props[key]; ok {
		if err := json.Unmarshal(v, &s); err != nil {
			return ""
		}
	}
	return s
}

// channelProp returns the channel property of a request body, "" if it
// is missing. It answers the request and returns false if it is not a
// valid channel name.
func channelProp(c *gin.Context, props map[string]json.RawMessage) (string, bool) {
	v, ok := props["channel"]
	if !ok {
		return "", true
	}
	var ch string
	if err := json.Unmarshal(v, &ch); err != nil || (ch != "" && !validChannel.MatchString(ch)) {
		failed(c, "Invalid channel name.")
		return "", false
	}
	return ch, true
}

func (s *Server) publish(c *gin.Context) {
	raw, props, ok := body(c)
	if !ok {
		return
	}
	if _, ok := channelProp(c, props); !ok {
		return
	}
	var m message.Publish
	if err := json.Unmarshal(raw, &m); err != nil {
		missing(c)
		return
	}
	if m.Channel == "" && !m.Broadcast {
		missing(c)
		return
	}

	n, err := s.Relay.Publish(&m)
	if err != nil {
		s.internalError(c, err)
		return
	}
	success(c, gin.H{"sent": n})
}

func (s *Server) kickUser(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}
	if _, err := s.Relay.KickUser(uid); err != nil {
		s.internalError(c, err)
		return
	}
	success(c, nil)
}

func (s *Server) logoutUser(c *gin.Context) {
	tok := c.Param("authtoken")
	if _, err := s.Relay.LogoutUser(tok); err != nil {
		s.internalError(c, err)
		return
	}
	success(c, nil)
}

func (s *Server) addUserToChannel(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}
	ch, ok := channelParam(c)
	if !ok {
		return
	}

	ok, err := s.Relay.AddUserToChannel(ch, uid)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if !ok {
		failed(c, "No active sessions for uid.")
		return
	}
	success(c, nil)
}

func (s *Server) removeUserFromChannel(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}
	ch, ok := channelParam(c)
	if !ok {
		return
	}

	ok, err := s.Relay.RemoveUserFromChannel(ch, uid)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if !ok {
		failed(c, "Non-existent channel name.")
		return
	}
	success(c, nil)
}

func (s *Server) addAuthTokenToChannel(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}

	ok, err := s.Relay.AddAuthTokenToChannel(ch, c.Param("authtoken"))
	if err != nil {
		s.internalError(c, err)
		return
	}
	if !ok {
		failed(c, "Invalid parameters.")
		return
	}
	success(c, nil)
}

func (s *Server) removeAuthTokenFromChannel(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}

	ok, err := s.Relay.RemoveAuthTokenFromChannel(ch, c.Param("authtoken"))
	if err != nil {
		s.internalError(c, err)
		return
	}
	if !ok {
		failed(c, "Invalid parameters.")
		return
	}
	success(c, nil)
}

func (s *Server) addChannel(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}

	writable := s.ClientsCanWriteToChannels
	var opts struct {
		ClientWritable *bool `json:"clientWritable"`
	}
	if raw, err := c.GetRawData(); err == nil && len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &opts); err == nil && opts.ClientWritable != nil {
			writable = *opts.ClientWritable
		}
	}

	ok, err := s.Relay.AddChannel(ch, writable)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if !ok {
		failed(c, "Channel name '"+ch+"' already exists.")
		return
	}
	success(c, nil)
}

func (s *Server) removeChannel(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}

	ok, err := s.Relay.RemoveChannel(ch)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if !ok {
		failed(c, "Non-existent channel name.")
		return
	}
	success(c, nil)
}

func (s *Server) checkChannel(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}

	ok, err := s.Relay.CheckChannel(ch)
	if err != nil {
		s.internalError(c, err)
		return
	}
	success(c, gin.H{"result": ok})
}

func (s *Server) setContentToken(c *gin.Context) {
	raw, props, ok := body(c)
	if !ok {
		return
	}
	ch, ok := channelProp(c, props)
	if !ok {
		return
	}
	tok := stringProp(props, "token")
	if ch == "" || tok == "" {
		missing(c)
		return
	}

	if err := s.Relay.SetContentToken(ch, tok, tokenchannel.NewPayload(raw)); err != nil {
		s.internalError(c, err)
		return
	}
	success(c, nil)
}

func (s *Server) contentTokenUsers(c *gin.Context) {
	_, props, ok := body(c)
	if !ok {
		return
	}
	ch, ok := channelProp(c, props)
	if !ok {
		return
	}
	if ch == "" {
		missing(c)
		return
	}

	users, err := s.Relay.ContentTokenUsers(ch)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (s *Server) publishToContentChannel(c *gin.Context) {
	raw, props, ok := body(c)
	if !ok {
		return
	}
	ch, ok := channelProp(c, props)
	if !ok {
		return
	}
	if ch == "" {
		c.JSON(http.StatusOK, gin.H{"error": "Invalid message"})
		return
	}

	n, ok, err := s.Relay.PublishToContentChannel(ch, raw)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"error": "Invalid message"})
		return
	}
	success(c, gin.H{"sent": n})
}

func (s *Server) setUserPresenceList(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}

	var uids []message.UID
	for _, v := range strings.Split(c.Param("uidlist"), ",") {
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		u, err := message.ParseUID(v)
		if err != nil {
			failed(c, "Invalid uid.")
			return
		}
		uids = append(uids, u)
	}
	if len(uids) == 0 {
		failed(c, "Empty uid list.")
		return
	}

	if err := s.Relay.SetUserPresenceList(uid, uids); err != nil {
		s.internalError(c, err)
		return
	}
	success(c, nil)
}

func (s *Server) healthCheck(c *gin.Context) {
	st, err := s.Relay.Stats()
	if err != nil {
		s.internalError(c, err)
		return
	}
	success(c, gin.H{
		"authenticatedClients": st.AuthenticatedClients,
		"sockets":              st.Sockets,
		"onlineUsers":          st.OnlineUsers,
		"tokenChannels":        st.TokenChannels,
		"contentTokens":        st.ContentTokens,
	})
}

func (s *Server) toggleDebug(c *gin.Context) {
	var req struct {
		Debug *bool `json:"debug"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Debug == nil {
		missing(c)
		return
	}

	s.Relay.SetDebug(*req.Debug)
	s.logf("admin: debug set to %t", *req.Debug)
	success(c, gin.H{"debug": *req.Debug})
}
