package backends

import (
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mailchannels/mimescan/mail"
)

// ----------------------------------------------------------------------------------
// Processor Name: mysql
// ----------------------------------------------------------------------------------
// Description   : Record one row per scanned message
// ----------------------------------------------------------------------------------
// Config Options: scan_table string - table to insert into
//               : mysql_db string, mysql_host string, mysql_user string, mysql_pass string
// --------------:-------------------------------------------------------------------
// Input         : e.QueuedId, e.RemoteIP, e.Subject, e.Flags, e.Data
// ----------------------------------------------------------------------------------
// Output        : none (pass through)
// ----------------------------------------------------------------------------------

func init() {
	processors["mysql"] = func() Decorator {
		return MySQL()
	}
}

type MysqlProcessorConfig struct {
	MysqlTable string `json:"scan_table"`
	MysqlDB    string `json:"mysql_db"`
	MysqlHost  string `json:"mysql_host"`
	MysqlPass  string `json:"mysql_pass"`
	MysqlUser  string `json:"mysql_user"`
}

type MysqlProcessor struct {
	config     *MysqlProcessorConfig
	insertStmt *sql.Stmt
}

func (m *MysqlProcessor) connect(config *MysqlProcessorConfig) (*sql.DB, error) {
	var db *sql.DB
	var err error
	conf := mysql.Config{
		User:         config.MysqlUser,
		Passwd:       config.MysqlPass,
		DBName:       config.MysqlDB,
		Net:          "tcp",
		Addr:         config.MysqlHost,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
		Params:       map[string]string{"collation": "utf8_general_ci"},
	}
	if db, err = sql.Open("mysql", conf.FormatDSN()); err != nil {
		Log().Error("cannot open mysql", err)
		return nil, err
	}
	Log().Info("connected to mysql on tcp ", config.MysqlHost)
	return db, err
}

// prepareInsertQuery prepares the insert, once
func (m *MysqlProcessor) prepareInsertQuery(db *sql.DB) (*sql.Stmt, error) {
	if m.insertStmt != nil {
		return m.insertStmt, nil
	}
	sqlstr := "INSERT INTO " + m.config.MysqlTable +
		" (`queued_id`, `remote_ip`, `subject`, `flags`, `size`, `created_at`)" +
		" VALUES (?, ?, ?, ?, ?, NOW())"
	stmt, err := db.Prepare(sqlstr)
	if err != nil {
		return nil, err
	}
	m.insertStmt = stmt
	return stmt, nil
}

// The mysql decorator records the scan verdict of each envelope
func MySQL() Decorator {

	var config *MysqlProcessorConfig
	var db *sql.DB
	mp := &MysqlProcessor{}

	Svc.AddInitializer(InitializeWith(func(backendConfig BackendConfig) error {
		configType := BaseConfig(&MysqlProcessorConfig{})
		bcfg, err := Svc.ExtractConfig(backendConfig, configType)
		if err != nil {
			return err
		}
		config = bcfg.(*MysqlProcessorConfig)
		mp.config = config
		db, err = mp.connect(config)
		if err != nil {
			Log().Errorf("cannot open mysql: %s", err)
			return err
		}
		return nil
	}))

	// shutdown
	Svc.AddShutdowner(ShutdownWith(func() error {
		if db != nil {
			return db.Close()
		}
		return nil
	}))

	return func(p Processor) Processor {
		return ProcessorFunc(func(e *mail.Envelope) (Result, error) {
			stmt, err := mp.prepareInsertQuery(db)
			if err != nil {
				Log().WithError(err).Error("failed while db.Prepare(INSERT...)")
				return NewResult("554 5.3.0 Error: transaction failed"), err
			}
			if _, err := stmt.Exec(
				e.QueuedId,
				e.RemoteIP,
				trimToLimit(e.Subject, 255),
				uint8(e.Flags),
				e.Data.Len(),
			); err != nil {
				Log().WithError(err).Error("there was a problem with the insert")
				return NewResult("554 5.3.0 Error: transaction failed"), err
			}
			// continue to the next processor in the decorator chain
			return p.Process(e)
		})
	}
}

func trimToLimit(str string, limit int) string {
	ret := str
	if len(str) > limit {
		ret = str[:limit]
	}
	return ret
}
