// Package smudb records engine activity to a ClickHouse database.
package smudb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "smudge" // official SQL name of the database

const timestampLayout = "2006-01-02 15:04:05.000000"

// Connection wraps one ClickHouse connection plus the channels feeding its handler
// goroutine. A Connection from Dummy(), or one whose dial failed, silently
// discards every message.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	runmsg        chan *RunMessage
	plugmsg       chan *HotplugMessage
	sync.WaitGroup
}

func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer opens a throwaway connection and reports the server version.
func PingServer(addr string) error {
	db := createConnection(addr)
	if !db.IsConnected() {
		if db.err != nil {
			return db.err
		}
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// Start opens the database connection, records the activity row, and launches the
// handler goroutine, which runs until abort closes. A failed connection is not an
// error to the caller: the returned Connection simply discards messages.
func Start(addr string, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection(addr)
	db.activityEntry = activity
	if !db.IsConnected() {
		if db.err != nil {
			fmt.Println("Could not connect to the activity database:", db.err)
		}
		return db
	}
	db.logActivity()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// Dummy returns a disconnected Connection whose record methods do nothing.
func Dummy() *Connection {
	return &Connection{}
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("SMUDGE_DB_USER"),
		Password: os.Getenv("SMUDGE_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "smudge", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{addr},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	ctx := context.Background()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.runmsg = make(chan *RunMessage)
	db.plugmsg = make(chan *HotplugMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format(timestampLayout)
	formattedEnd := ae.End.Format(timestampLayout)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO smudgeactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into smudgeactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		case pmsg := <-db.plugmsg:
			db.handleHotplugMessage(pmsg)
		}
	}
}

// Disconnect stamps the activity row's end time and closes the connection.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
		db.conn.Close()
	}
}

// RecordRun stores a run's row in the DB (if it's open). This call blocks until the
// handler goroutine accepts the message, so the run row is entered before any later
// messages that refer to the run.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishRun stamps the run's end time and re-enters its row.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.runmsg <- msg }()
}

// RecordHotplug stores one attach/detach event row.
func (db *Connection) RecordHotplug(msg *HotplugMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.plugmsg <- msg }()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format(timestampLayout)
	formattedEnd := m.End.Format(timestampLayout)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityEntry.ID, m.Continuous, m.Nsamples, m.SampleRate,
		m.Devices, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into runs ", err)
		db.err = err
	}
}

func (db *Connection) handleHotplugMessage(m *HotplugMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedWhen := m.When.Format(timestampLayout)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO hotplug VALUES (?, ?, ?, ?, ?, ?)`, nowait,
		db.activityEntry.ID, m.Serial, m.Event, m.Firmware, m.Hardware, formattedWhen,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into hotplug ", err)
		db.err = err
	}
}
