package repository

import (
	"context"
	"regexp"
	"testing"

	"mlmledger/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/smartystreets/goconvey/convey"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("can't create sqlmock: %s", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	dialector := mysql.New(mysql.Config{
		DSN:                       "sqlmock",
		Conn:                      db,
		SkipInitializeWithVersion: true,
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("can't open gorm connection: %s", err)
	}
	return gormDB, mock
}

var lockQuery = regexp.QuoteMeta("SELECT * FROM `account` WHERE id IN (?,?,?) ORDER BY id ASC FOR UPDATE")

func TestAccountRepository_LockByIDs(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	Convey("accounts are locked in ascending id order", t, func() {
		rows := sqlmock.NewRows([]string{"id", "consultant_id", "balance", "last_seq", "version"}).
			AddRow(3, 30, 100, 4, 4).
			AddRow(7, 70, 0, 0, 0).
			AddRow(9, 90, 250, 2, 2)
		mock.ExpectQuery(lockQuery).WithArgs(3, 7, 9).WillReturnRows(rows)

		accounts, err := repo.LockByIDs(ctx, db, []int64{9, 3, 7})
		So(err, ShouldBeNil)
		So(accounts, ShouldHaveLength, 3)
		So(accounts[3].Balance, ShouldEqual, 100)
		So(accounts[9].LastSeq, ShouldEqual, 2)
		So(mock.ExpectationsWereMet(), ShouldBeNil)
	})

	Convey("a missing account fails the whole lock", t, func() {
		rows := sqlmock.NewRows([]string{"id", "consultant_id", "balance", "last_seq", "version"}).
			AddRow(1, 10, 0, 0, 0).
			AddRow(2, 20, 0, 0, 0)
		mock.ExpectQuery(lockQuery).WithArgs(1, 2, 5).WillReturnRows(rows)

		_, err := repo.LockByIDs(ctx, db, []int64{5, 2, 1})
		So(err, ShouldEqual, ErrAccountNotFound)
		So(mock.ExpectationsWereMet(), ShouldBeNil)
	})
}

func TestAccountRepository_Advance(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	Convey("advance bumps the version it read", t, func() {
		mock.ExpectExec("UPDATE `account` SET .* WHERE id = \\? AND version = \\?").
			WillReturnResult(sqlmock.NewResult(0, 1))

		account := &model.Account{ID: 4, Balance: 10, LastSeq: 1, Version: 1}
		err := repo.Advance(ctx, db, account, 60, 2)
		So(err, ShouldBeNil)
		So(account.Balance, ShouldEqual, 60)
		So(account.LastSeq, ShouldEqual, 2)
		So(account.Version, ShouldEqual, 2)
		So(mock.ExpectationsWereMet(), ShouldBeNil)
	})

	Convey("a concurrent writer turns into a status conflict", t, func() {
		mock.ExpectExec("UPDATE `account` SET .* WHERE id = \\? AND version = \\?").
			WillReturnResult(sqlmock.NewResult(0, 0))

		account := &model.Account{ID: 4, Balance: 60, LastSeq: 2, Version: 2}
		err := repo.Advance(ctx, db, account, 90, 3)
		So(err, ShouldEqual, ErrStatusConflict)
		So(account.Version, ShouldEqual, 2)
		So(mock.ExpectationsWereMet(), ShouldBeNil)
	})
}

func TestIsDuplicateKey(t *testing.T) {
	Convey("unique violations are recognised across drivers", t, func() {
		So(IsDuplicateKey(gorm.ErrDuplicatedKey), ShouldBeTrue)
		So(IsDuplicateKey(ErrDuplicate), ShouldBeTrue)
		So(IsDuplicateKey(errString("Error 1062 (23000): Duplicate entry 'CYC-1' for key 'ref_id'")), ShouldBeTrue)
		So(IsDuplicateKey(errString("UNIQUE constraint failed: ledger_batch.ref_id")), ShouldBeTrue)
		So(IsDuplicateKey(errString("connection refused")), ShouldBeFalse)
		So(IsDuplicateKey(nil), ShouldBeFalse)
	})
}

type errString string

func (e errString) Error() string { return string(e) }
