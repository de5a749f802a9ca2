package storage

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names accepted by NewDatabase.
// "sqlite" is the pure Go driver, "sqlite3" is the cgo one.
const (
	PureDriver = "sqlite"
	CgoDriver  = "sqlite3"
)

type Database interface {
	Open() error
	Close()
	Followers
	Interactions
	Notes
	Comments
	Keys
}

// sqliteDatabase holds followers, interactions, notes, comments and keys in one sqlite database
type sqliteDatabase struct {
	driver     string
	connection string
	db         *gorm.DB
	sqldb      *sql.DB
}

func (s *sqliteDatabase) Open() error {
	if s.db != nil {
		s.Close()
	}
	newLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags), // io writer
		logger.Config{
			SlowThreshold:             time.Second,  // Slow SQL threshold
			LogLevel:                  logger.Error, // Log level
			IgnoreRecordNotFoundError: true,         // Ignore ErrRecordNotFound error for logger
			Colorful:                  false,        // Disable color
		},
	)
	dialector := &sqlite.Dialector{DriverName: s.driver, DSN: s.connection}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return fmt.Errorf("opening %s database %s: %w", s.driver, s.connection, err)
	}
	s.sqldb, err = db.DB()
	if err != nil {
		return err
	}
	s.db = db
	// create tables
	if err := s.db.AutoMigrate(&Follower{}, &Interaction{}, &Note{}, &Comment{}, &KeyPair{}); err != nil {
		s.Close()
		return fmt.Errorf("migrating tables: %w", err)
	}
	return nil
}

func (s *sqliteDatabase) Close() {
	if s.db != nil {
		s.sqldb.Close()
		s.sqldb = nil
		s.db = nil
	}
}

// NewDatabase returns an unopened database. An empty driver means PureDriver.
func NewDatabase(driver string, connection string) Database {
	if driver == "" {
		driver = PureDriver
	}
	return &sqliteDatabase{
		driver:     driver,
		connection: connection,
	}
}

// notFound maps gorm's missing-record error to a nil result
func notFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}
