// Package db opens GORM connections for the SQL storage backends.
package db

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
}

// MySQLDSN builds a DSN for a MySQL-compatible server. An empty database
// selects no schema, which is what CREATE DATABASE needs.
func MySQLDSN(host string, port int, database, user, password string) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

// ConnectAdmin opens a connection without selecting a database.
func ConnectAdmin(host string, port int, user, password string) (*gorm.DB, error) {
	gdb, err := gorm.Open(mysql.Open(MySQLDSN(host, port, "", user, password)), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", host, port, err)
	}
	return gdb, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}

// ConnectMySQL ensures database exists and opens a connection to it.
func ConnectMySQL(host string, port int, database, user, password string) (*gorm.DB, error) {
	adminDB, err := ConnectAdmin(host, port, user, password)
	if err != nil {
		return nil, err
	}
	createErr := CreateDatabase(adminDB, database)
	if sqlDB, err := adminDB.DB(); err == nil {
		sqlDB.Close()
	}
	if createErr != nil {
		return nil, createErr
	}

	gdb, err := gorm.Open(mysql.Open(MySQLDSN(host, port, database, user, password)), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", host, port, database, err)
	}
	return gdb, nil
}

// ConnectSQLite opens the sqlite file at path, creating its directory.
// ":memory:" opens a private in-memory database on a single connection.
func ConnectSQLite(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("db: sqlite dir: %w", err)
		}
	}
	gdb, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: sqlite handle: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: shared.
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}
