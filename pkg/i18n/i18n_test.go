package i18n

import (
	"reflect"
	"testing"
)

func TestAllMessagesTranslated(t *testing.T) {
	en := reflect.ValueOf(messagesEN)
	zh := reflect.ValueOf(messagesZH)
	for i := 0; i < en.NumField(); i++ {
		name := en.Type().Field(i).Name
		if en.Field(i).String() == "" {
			t.Errorf("en message %s is empty", name)
		}
		if zh.Field(i).String() == "" {
			t.Errorf("zh message %s is empty", name)
		}
	}
}

func TestSetLanguage(t *testing.T) {
	defer SetLanguage(LangEN)

	SetLanguage(LangZH)
	if GetLanguage() != LangZH || M().PositionNotFound != messagesZH.PositionNotFound {
		t.Fatalf("zh not selected")
	}
	if Get("PositionNotFound") != messagesZH.PositionNotFound {
		t.Fatalf("Get returned %q", Get("PositionNotFound"))
	}
	if Get("NoSuchKey") != "NoSuchKey" {
		t.Fatalf("unknown key should echo")
	}

	SetLanguage("fr")
	if M().PositionNotFound != messagesEN.PositionNotFound {
		t.Fatalf("unknown language should fall back to en")
	}
}
