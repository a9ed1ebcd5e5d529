package auth

import (
	"testing"

	"github.com/cratery/registry/pkg/dbkit"
)

func admin() *dbkit.User   { return &dbkit.User{ID: 1, Roles: "admin"} }
func regular() *dbkit.User { return &dbkit.User{ID: 2, Roles: ""} }

func owns(yes bool) OwnerChecker {
	return func(userID int64) (bool, error) { return yes, nil }
}

func TestMayReadIndex(t *testing.T) {
	if MayReadIndex(nil) {
		t.Error("MayReadIndex(nil) = true, want false")
	}
	if !MayReadIndex(&Principal{User: regular()}) {
		t.Error("MayReadIndex(regular user) = false, want true")
	}
}

func TestMayPublish(t *testing.T) {
	ok, err := MayPublish(&Principal{User: regular()}, owns(true))
	if err != nil || !ok {
		t.Errorf("MayPublish(owner) = %v, %v, want true, nil", ok, err)
	}

	ok, err = MayPublish(&Principal{User: regular()}, owns(false))
	if err != nil || ok {
		t.Errorf("MayPublish(non-owner) = %v, %v, want false, nil", ok, err)
	}

	ok, err = MayPublish(&Principal{User: admin()}, owns(false))
	if err != nil || !ok {
		t.Errorf("MayPublish(admin, non-owner) = %v, %v, want true, nil", ok, err)
	}

	ok, err = MayPublish(&Principal{
		User:  regular(),
		Token: &dbkit.Token{CanWrite: false},
	}, owns(true))
	if err != nil || ok {
		t.Errorf("MayPublish(owner, canWrite=false token) = %v, %v, want false, nil", ok, err)
	}
}

func TestMayAdmin(t *testing.T) {
	if !MayAdmin(&Principal{User: admin()}) {
		t.Error("MayAdmin(admin) = false, want true")
	}
	if MayAdmin(&Principal{User: regular()}) {
		t.Error("MayAdmin(regular) = true, want false")
	}
	if MayAdmin(&Principal{User: admin(), Token: &dbkit.Token{CanAdmin: false}}) {
		t.Error("MayAdmin(admin, canAdmin=false token) = true, want false")
	}
}

func TestMayManageOwners(t *testing.T) {
	ok, err := MayManageOwners(&Principal{User: regular()}, owns(true))
	if err != nil || !ok {
		t.Errorf("MayManageOwners(owner) = %v, %v, want true, nil", ok, err)
	}
	ok, err = MayManageOwners(&Principal{User: regular(), Token: &dbkit.Token{CanAdmin: false}}, owns(true))
	if err != nil || ok {
		t.Errorf("MayManageOwners(owner, canAdmin=false token) = %v, %v, want false, nil", ok, err)
	}
}

func TestPrincipal_FromToken(t *testing.T) {
	p := &Principal{User: regular()}
	if p.FromToken() {
		t.Error("FromToken() = true, want false for cookie session")
	}
	p.Token = &dbkit.Token{}
	if !p.FromToken() {
		t.Error("FromToken() = false, want true once a token is set")
	}
}
