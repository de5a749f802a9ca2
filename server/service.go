package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/deletion"
	"github.com/tkrehbiel/activitypress/server/delivery"
	"github.com/tkrehbiel/activitypress/server/gate"
	"github.com/tkrehbiel/activitypress/server/page"
	"github.com/tkrehbiel/activitypress/server/remote"
	"github.com/tkrehbiel/activitypress/server/storage"
	"github.com/tkrehbiel/activitypress/server/tasks"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

var ErrReservedName = errors.New("user name is reserved")

type ActivityService struct {
	Config Config
	Server http.Server
	router *mux.Router
	meta   page.MetaData
	users  []*ActivityUser

	store      storage.Database
	queue      *tasks.Queue
	keys       *Keyring
	resolver   *remote.Resolver
	pipeline   *OutputPipeline
	dispatcher *Dispatcher
	gate       *gate.Gate
	shared     *ActivityInbox

	cancel  context.CancelFunc
	workers sync.WaitGroup
}

type ActivityUser struct {
	name      string
	meta      page.UserMetaData
	outbox    *ActivityOutbox
	inbox     *ActivityInbox
	followers *FollowersCollection
}

func (s *ActivityService) addHandlers() {
	s.router.HandleFunc("/", homeHandler).Methods("GET")

	s.addPageHandler(page.NewStaticPage(page.WellKnownHostMeta), s.meta)
	s.addPageHandler(page.NewStaticPage(page.WellKnownHostMetaJSON), s.meta)
	s.addPageHandler(page.NewStaticPage(page.WellKnownNodeInfo), s.meta)
	s.addPageHandler(page.NewStaticPage(page.NodeInfo), s.meta)

	finger := page.WellKnownWebFinger // copy
	for _, user := range s.users {
		finger.Add(user.meta)
	}
	s.addPageHandler(&finger, s.meta)
	s.router.Handle(page.WebFingerPath, &finger).Methods("GET")

	s.addPageHandler(page.NewStaticPage(page.ApplicationEndpoint), s.applicationMeta())

	sharedPath := page.APIPath + "/inbox"
	s.router.HandleFunc(sharedPath, s.shared.GetHTTP).Methods("GET")
	s.router.HandleFunc(sharedPath, RequestLogger{Handler: s.shared.PostHTTP}.ServeHTTP).Methods("POST")

	for _, user := range s.users {
		pg := page.ActorEndpoint // copy
		pg.Path = page.ActorPath(user.name)
		s.addPageHandler(page.NewStaticPage(pg), user.meta)

		s.router.Handle(pg.Path+"/outbox", user.outbox).Methods("GET")
		s.router.Handle(pg.Path+"/followers", user.followers).Methods("GET")

		inpath := pg.Path + "/inbox"
		s.router.HandleFunc(inpath, RequestLogger{Handler: user.inbox.GetHTTP}.ServeHTTP).Methods("GET")
		s.router.HandleFunc(inpath, RequestLogger{Handler: user.inbox.PostHTTP}.ServeHTTP).Methods("POST")
	}

	s.router.Use(s.gate.Middleware)
}

func (s *ActivityService) addPageHandler(pg page.StaticPageHandler, meta any) {
	if err := pg.Init(meta); err != nil {
		telemetry.Error(err, "rendering %s", pg.Path())
	}
	route := s.router.Handle(pg.Path(), pg).Methods("GET")
	if !s.Config.Server.AcceptAll && pg.Accept() != "" && pg.Accept() != "*/*" {
		route.HeadersRegexp("Accept", pg.Accept())
	}
}

func (s *ActivityService) applicationMeta() page.UserMetaData {
	meta := s.meta.NewApplicationMetaData()
	pub, err := s.keys.PublicPEM(context.Background(), page.ApplicationName)
	if err != nil {
		telemetry.Error(err, "loading application key")
	}
	meta.UserPublicKey = pub
	return meta
}

// Handler is the service's http handler, gate included
func (s *ActivityService) Handler() http.Handler {
	return s.router
}

// Dispatcher federates local posts and comments.
func (s *ActivityService) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// PublicKey returns the PEM public key of a local user or of the application actor.
func (s *ActivityService) PublicKey(ctx context.Context, owner string) (string, error) {
	return s.keys.PublicPEM(ctx, owner)
}

// RunTasks starts the task worker. It stops when ctx is done.
func (s *ActivityService) RunTasks(ctx context.Context) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.queue.Run(ctx)
	}()
}

// FlushTasks waits for every queued task to finish. The worker must be running.
func (s *ActivityService) FlushTasks() {
	s.queue.Flush()
}

// Close anything related to the service before exiting
func (s *ActivityService) Close() {
	s.store.Close()
	telemetry.LogCounters()
}

func (s *ActivityService) ListenAndServe() error {
	if s.Config.Server.useTLS() {
		telemetry.Log("tls listener starting on port %d", s.Config.Server.Port)
		return s.Server.ListenAndServeTLS(s.Config.Server.Certificate, s.Config.Server.PrivateKey)
	}
	telemetry.Log("http listener starting on port %d", s.Config.Server.Port)
	return s.Server.ListenAndServe()
}

// Start runs the task worker, the feed watchers and the http listener in the background.
func (s *ActivityService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.RunTasks(ctx)
	for _, user := range s.users {
		if user.outbox.rssURL == "" {
			continue
		}
		s.workers.Add(1)
		go func(outbox *ActivityOutbox) {
			defer s.workers.Done()
			outbox.WatchRSS(ctx)
		}(user.outbox)
	}
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			telemetry.Error(err, "listening")
		}
	}()
}

// Stop shuts down the listener, then the background workers.
func (s *ActivityService) Stop(ctx context.Context) error {
	err := s.Server.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	s.workers.Wait()
	s.Close()
	return err
}

// NewService creates an http service to listen for ActivityPub requests
func NewService(cfg Config) (*ActivityService, error) {
	cfg = cfg.withDefaults()

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url [%s]: %w", cfg.URL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url [%s] has no host", cfg.URL)
	}
	for _, usercfg := range cfg.Users {
		if usercfg.Name == page.ApplicationName {
			return nil, fmt.Errorf("%w: %s", ErrReservedName, usercfg.Name)
		}
	}

	store := storage.NewDatabase(cfg.Server.Driver, cfg.Server.Database)
	if err := store.Open(); err != nil {
		return nil, err
	}

	svc := &ActivityService{
		Config: cfg,
		router: mux.NewRouter(),
		meta:   page.NewMetaData(u), // metadata available to page templates
		store:  store,
		queue:  tasks.NewQueue(cfg.Server.QueueSize),
	}
	svc.meta.UserCount = len(cfg.Users)

	svc.keys = NewKeyring(store, svc.meta, cfg.Users)
	svc.resolver = remote.NewResolver(nil, time.Hour, applicationSigner{keys: svc.keys})
	svc.pipeline = NewPipeline(nil, svc.keys, cfg.Server.SendUnsigned,
		Policy{Attempts: cfg.Server.SendAttempts},
		Policy{Attempts: cfg.Server.ForwardAttempts},
	)

	followers := followerDirectory{followers: store}
	fanout := delivery.NewFanout(svc.pipeline, cfg.Server.DeliveryWorkers)
	processor := deletion.NewProcessor(store, svc.resolver, svc.queue)
	svc.dispatcher = NewDispatcher(svc.queue, store, followers, svc.resolver, fanout, svc.meta)
	responder := &followResponder{sender: svc.pipeline, followers: store, meta: svc.meta}
	forwarder := &replyForwarder{forwarder: delivery.NewForwarder(followers, fanout), actors: svc.resolver}

	svc.queue.Handle(PostTask, svc.dispatcher.HandlePost)
	svc.queue.Handle(CommentTask, svc.dispatcher.HandleComment)
	svc.queue.Handle(FollowResponseTask, responder.HandleFollowResponse)
	svc.queue.Handle(ForwardTask, forwarder.HandleForward)
	svc.queue.Handle(deletion.CascadeTask, processor.DeleteActorInteractions)

	svc.gate = gate.New(gate.Config{
		Namespace:   page.Namespace,
		PublicPaths: []string{page.WebFingerPath, page.ApplicationEndpoint.Path},
		SecureMode:  cfg.Server.SecureMode,
		Deferred:    []string{activity.DeleteType},
	}, svc.resolver)

	localUsers := make(map[string]string)
	for _, usercfg := range cfg.Users {
		localUsers[svc.meta.ActorURL(usercfg.Name)] = usercfg.Name
	}
	newInbox := func(id, owner string) *ActivityInbox {
		return &ActivityInbox{
			id:           id,
			owner:        owner,
			users:        localUsers,
			meta:         svc.meta,
			store:        store,
			actors:       svc.resolver,
			deletions:    processor,
			queue:        svc.queue,
			maxFollowers: cfg.Server.MaxFollowers,
		}
	}
	svc.shared = newInbox(svc.meta.SharedInboxURL(), "")

	// configure inboxes and outboxes
	for _, usercfg := range cfg.Users {
		meta := svc.meta.NewUserMetaData(usercfg.Name)
		meta.UserDisplayName = usercfg.DisplayName
		meta.UserSummary = usercfg.Summary
		if usercfg.Type != "" {
			meta.UserType = usercfg.Type
		}
		pub, err := svc.keys.PublicPEM(context.Background(), usercfg.Name)
		if err != nil {
			store.Close()
			return nil, err
		}
		meta.UserPublicKey = pub

		svc.users = append(svc.users, &ActivityUser{
			name: usercfg.Name,
			meta: meta,
			outbox: &ActivityOutbox{
				id:       meta.OutboxURL(),
				username: usercfg.Name,
				meta:     meta,
				rssURL:   usercfg.SourceURL,
				notes:    store,
				posts:    svc.dispatcher,
				interval: time.Duration(cfg.Server.FeedMinutes) * time.Minute,
			},
			inbox: newInbox(meta.InboxURL(), usercfg.Name),
			followers: &FollowersCollection{
				id:        meta.FollowersURL(),
				username:  usercfg.Name,
				followers: store,
			},
		})
	}

	// configure web handlers
	svc.addHandlers()

	svc.Server = http.Server{
		Handler:      svc.router,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
	}
	return svc, nil
}

type RequestLogger struct {
	Handler http.HandlerFunc
}

func (rl RequestLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	headers := make([]string, 0)
	for k, v := range r.Header {
		s := fmt.Sprintf("%s: %s", k, strings.Join(v, ", "))
		headers = append(headers, s)
	}
	telemetry.Trace(strings.Join(headers, " | "))

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxActivityBytes))
	if err != nil {
		telemetry.Error(err, "error reading body")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(buf) > 0 {
		telemetry.Trace(string(buf))
	}
	r.Body = io.NopCloser(bytes.NewBuffer(buf))
	rl.Handler(w, r)
}

func homeHandler(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "homeHandler")
	telemetry.Increment("home_requests", 1)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<html><title>activitypress</title>
<body>
<p>This is activitypress, an ActivityPub server that federates a blog.
There's nothing to see here.</p>
</body>
</html>`)
}
