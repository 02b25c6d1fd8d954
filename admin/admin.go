// Package admin implements the management interface of the relay: the
// HTTP routes called by the backend application to publish messages and
// manage channels, users, token channels and presence.
//
// Every route under BaseAuthPath requires the NodejsServiceKey header to
// match the configured service key. Extensions implementing
// RouteContributor can add their own routes, with or without the service
// key check.
package admin

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/trippledave/drupal-nodejs/backend"
	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/relay"
	"github.com/trippledave/drupal-nodejs/tokenchannel"
)

// DefaultBaseAuthPath is the path prefix of the routes when
// Server.BaseAuthPath is empty.
const DefaultBaseAuthPath = "/nodejs/"

// ServiceKeyHeader is the request header that carries the service key.
const ServiceKeyHeader = "NodejsServiceKey"

// Relay is the set of operations the management interface exposes. It
// is implemented by *relay.Server.
type Relay interface {
	Publish(*message.Publish) (int, error)
	KickUser(message.UID) (int, error)
	LogoutUser(token string) (int, error)
	AddUserToChannel(channel string, uid message.UID) (bool, error)
	RemoveUserFromChannel(channel string, uid message.UID) (bool, error)
	AddAuthTokenToChannel(channel, token string) (bool, error)
	RemoveAuthTokenFromChannel(channel, token string) (bool, error)
	AddChannel(channel string, clientWritable bool) (bool, error)
	RemoveChannel(channel string) (bool, error)
	CheckChannel(channel string) (bool, error)
	SetContentToken(channel, token string, payload tokenchannel.Payload) error
	ContentTokenUsers(channel string) (tokenchannel.Members, error)
	PublishToContentChannel(channel string, payload json.RawMessage) (int, bool, error)
	SetUserPresenceList(uid message.UID, uids []message.UID) error
	Stats() (*relay.Stats, error)
	SetDebug(bool)
}

// Route is a route contributed by an extension.
type Route struct {
	// Method is the HTTP method of the route, e.g. http.MethodGet.
	Method string

	// Path is the path of the route. If Auth is true, it is relative to
	// the BaseAuthPath, otherwise it is absolute.
	Path string

	// Auth requires the service key on the route.
	Auth bool

	Handler gin.HandlerFunc
}

// RouteContributor is implemented by extensions that add routes to the
// management interface.
type RouteContributor interface {
	Routes() []Route
}

// Server configures the management interface.
type Server struct {
	// Relay is the relay managed by the routes.
	Relay Relay

	// ServiceKey is the key expected in the NodejsServiceKey header. If
	// empty, any key is accepted.
	ServiceKey string

	// BaseAuthPath is the path prefix of the routes. It defaults to
	// DefaultBaseAuthPath.
	BaseAuthPath string

	// ClientsCanWriteToChannels is the client-writable flag of the
	// channels added without an explicit clientWritable value.
	ClientsCanWriteToChannels bool

	// Extensions is the list of extensions. Those that implement
	// RouteContributor add their routes.
	Extensions []interface{}

	// AccessLog, if set, receives gin's request log.
	AccessLog io.Writer

	// LogFunc is the logging function to use. If nil, log.Printf is used.
	LogFunc func(string, ...interface{})
}

func (s *Server) logf(f string, args ...interface{}) {
	if fn := s.LogFunc; fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

func (s *Server) basePath() string {
	p := s.BaseAuthPath
	if p == "" {
		p = DefaultBaseAuthPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Handler returns the http.Handler serving the management routes.
func (s *Server) Handler() http.Handler {
	return s.Router()
}

// Router returns the gin engine serving the management routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if s.AccessLog != nil {
		r.Use(gin.LoggerWithWriter(s.AccessLog))
	}

	base := s.basePath()
	g := r.Group(base, s.checkServiceKey)
	{
		g.POST("publish", s.publish)
		g.POST("user/kick/:uid", s.kickUser)
		g.POST("user/logout/:authtoken", s.logoutUser)
		g.POST("user/channel/add/:channel/:uid", s.addUserToChannel)
		g.POST("user/channel/remove/:channel/:uid", s.removeUserFromChannel)
		g.POST("authtoken/channel/add/:channel/:authtoken", s.addAuthTokenToChannel)
		g.POST("authtoken/channel/remove/:channel/:authtoken", s.removeAuthTokenFromChannel)
		g.POST("channel/add/:channel", s.addChannel)
		g.POST("channel/remove/:channel", s.removeChannel)
		g.GET("channel/check/:channel", s.checkChannel)
		g.POST("content/token", s.setContentToken)
		g.POST("content/token/users", s.contentTokenUsers)
		g.POST("content/token/message", s.publishToContentChannel)
		g.GET("user/presence-list/:uid/:uidlist", s.setUserPresenceList)
		g.POST("user/presence-list/:uid/:uidlist", s.setUserPresenceList)
		g.GET("health/check", s.healthCheck)
		g.POST("debug/toggle", s.toggleDebug)
	}

	for _, ext := range s.Extensions {
		rc, ok := ext.(RouteContributor)
		if !ok {
			continue
		}
		for _, rt := range rc.Routes() {
			if rt.Auth {
				g.Handle(rt.Method, strings.TrimPrefix(rt.Path, "/"), rt.Handler)
			} else {
				r.Handle(rt.Method, rt.Path, rt.Handler)
			}
		}
	}

	r.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, base) && !s.validKey(c) {
			invalidServiceKey(c)
			return
		}
		c.String(http.StatusNotFound, "Not Found.")
	})
	return r
}

func (s *Server) validKey(c *gin.Context) bool {
	return backend.ValidateServiceKey(s.ServiceKey, c.GetHeader(ServiceKeyHeader))
}

func invalidServiceKey(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid service key."})
}

func (s *Server) checkServiceKey(c *gin.Context) {
	if !s.validKey(c) {
		s.logf("admin: invalid service key from %s for %s", c.ClientIP(), c.Request.URL.Path)
		invalidServiceKey(c)
		return
	}
	c.Next()
}
