package main

type Notifier interface {
	NotifySyncResults(*Syncer, *SyncReport) error
}
