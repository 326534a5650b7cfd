package main

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

func NewSNSNotifier(appConfig AppConfig) (Notifier, error) {
	var notifier Notifier

	loadOptions := make([]func(*config.LoadOptions) error, 0)
	if appConfig.Notify.Region != "" {
		loadOptions = append(loadOptions, config.WithRegion(appConfig.Notify.Region))
	}
	if appConfig.Notify.Profile != "" {
		loadOptions = append(loadOptions, config.WithSharedConfigProfile(appConfig.Notify.Profile))
	}
	cfg, cfgErr := config.LoadDefaultConfig(context.TODO(), loadOptions...)
	if cfgErr != nil {
		return notifier, cfgErr
	}
	snsClient := &SNSClient{sns.NewFromConfig(cfg)}
	notifier = &SNSNotifier{Client: snsClient, Topic: appConfig.Notify.Topic}

	return notifier, nil
}

type SNSClientIface interface {
	PublishMessage(msg *sns.PublishInput) error
}

type SNSClient struct {
	Client *sns.Client
}

func (s *SNSClient) PublishMessage(msg *sns.PublishInput) error {
	_, publishErr := s.Client.Publish(context.TODO(), msg)
	return publishErr
}

type SNSNotifier struct {
	Client SNSClientIface
	Topic  string
}

type NotificationContext struct {
	Action string
	Key    string
	Error  string
}

// SNS rejects messages over 256KB and subjects over 100 characters.
const (
	snsMaxMessageBytes = 256 * 1024
	snsMaxSubjectBytes = 100
)

// NotifySyncResults publishes the failures of a pass. Clean passes send nothing.
func (s *SNSNotifier) NotifySyncResults(syncer *Syncer, report *SyncReport) error {
	failures := make([]NotificationContext, 0)
	for _, err := range report.Errors {
		failures = append(failures, NotificationContext{Action: "Sync", Key: report.FailedStage.String(), Error: err.Error()})
	}
	for _, skipped := range report.Skipped {
		failures = append(failures, NotificationContext{Action: "Upload", Key: skipped.Path, Error: skipped.Reason})
	}
	for _, warning := range report.Warnings {
		failures = append(failures, NotificationContext{Action: "Delete", Key: syncer.SyncFolder, Error: warning.Error()})
	}

	// if no errors we dont need to send any notification
	if len(failures) == 0 {
		return nil
	}

	var body strings.Builder
	for _, ctx := range failures {
		entry := fmt.Sprintf("Action: %s\nKey: %s\nError: %s\n\n\n", ctx.Action, ctx.Key, ctx.Error)
		if body.Len()+len(entry) > snsMaxMessageBytes {
			break
		}
		body.WriteString(entry)
	}

	subject := fmt.Sprintf("Sync Errors: %s -> %s", syncer.SyncFolder, syncer.RemoteFolder)
	subject = truncateUTF8(subject, snsMaxSubjectBytes)
	snsPublishReq := &sns.PublishInput{
		Message:  aws.String(body.String()),
		TopicArn: aws.String(s.Topic),
		Subject:  aws.String(subject),
	}
	return s.Client.PublishMessage(snsPublishReq)
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
