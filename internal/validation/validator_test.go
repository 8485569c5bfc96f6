package validation

import "testing"

func TestValidateNickname(t *testing.T) {
	tests := []struct {
		nick    string
		wantErr bool
	}{
		{"alice", false},
		{"[bot]", false},
		{"a_b-c|d", false},
		{"", true},
		{"has space", true},
		{"#chan", true},
		{"9lives", true},
		{"nick!user", true},
	}
	for _, tt := range tests {
		err := ValidateNickname(tt.nick)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateNickname(%q) error = %v, wantErr %v", tt.nick, err, tt.wantErr)
		}
	}
}

func TestValidateChannelName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"#go", false},
		{"&local", false},
		{"go", true},
		{"#a,b", true},
		{"", true},
	}
	for _, tt := range tests {
		err := ValidateChannelName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateChannelName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestValidateServerAddress(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"irc.libera.chat:6697", false},
		{"[::1]:6667", false},
		{"irc.libera.chat", true},
		{":6667", true},
		{"host:0", true},
		{"host:70000", true},
	}
	for _, tt := range tests {
		err := ValidateServerAddress(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateServerAddress(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
		}
	}
}

func TestValidateIdentityAndMechanisms(t *testing.T) {
	if err := ValidateIdentity("alice", "alice", "Alice A."); err != nil {
		t.Errorf("ValidateIdentity valid: %v", err)
	}
	if err := ValidateIdentity("alice", "", "Alice"); err == nil {
		t.Error("ValidateIdentity accepted empty username")
	}
	if err := ValidateMechanisms([]string{"plain", "SCRAM-SHA-256"}); err != nil {
		t.Errorf("ValidateMechanisms: %v", err)
	}
	if err := ValidateMechanisms([]string{"DIGEST-MD5"}); err == nil {
		t.Error("ValidateMechanisms accepted DIGEST-MD5")
	}
	if err := ValidateMechanisms(nil); err == nil {
		t.Error("ValidateMechanisms accepted an empty list")
	}
}
