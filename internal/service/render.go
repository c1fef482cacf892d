package service

import "strings"

// Placeholders understood by Render. Anything else in braces is left as is.
const (
	FieldCourseName          = "coursename"
	FieldInstanceName        = "instancename"
	FieldProfileURL          = "profileurl"
	FieldTokenNumber         = "tokennumber"
	FieldTokenNumberPlural   = "tokennumberplural"
	FieldSeatsPerToken       = "seatspertoken"
	FieldSeatsPerTokenPlural = "seatspertokenplural"
	FieldWWWRoot             = "wwwroot"
	FieldTokens              = "tokens"
	FieldAdminSignoff        = "adminsignoff"
	FieldEmailAddress        = "emailaddress"
)

var knownFields = map[string]bool{
	FieldCourseName:          true,
	FieldInstanceName:        true,
	FieldProfileURL:          true,
	FieldTokenNumber:         true,
	FieldTokenNumberPlural:   true,
	FieldSeatsPerToken:       true,
	FieldSeatsPerTokenPlural: true,
	FieldWWWRoot:             true,
	FieldTokens:              true,
	FieldAdminSignoff:        true,
	FieldEmailAddress:        true,
}

type Fields map[string]string

// Render substitutes {name} and the older {$a->name} spelling for every known
// field present in fields. It never evaluates anything.
func Render(tpl string, fields Fields) string {
	pairs := make([]string, 0, len(fields)*4)
	for name, value := range fields {
		if !knownFields[name] {
			continue
		}
		pairs = append(pairs, "{"+name+"}", value, "{$a->"+name+"}", value)
	}
	if len(pairs) == 0 {
		return tpl
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

const (
	DefaultWelcomeSubject = "Welcome to {coursename}"
	DefaultWelcomeBody    = "Welcome to {coursename}!\n\nIf you have not done so already, you should edit your profile page:\n\n  {profileurl}"

	DefaultBatchSubject = "Your enrolment tokens for {instancename}"
	DefaultBatchBody    = "<p>Hello,</p>\n" +
		"<p>Please find below {tokennumber} token{tokennumberplural} that can be used to enrol into the {coursename} course on {wwwroot}. " +
		"Each token can be used {seatspertoken} time{seatspertokenplural}.</p>\n" +
		"<pre>{tokens}</pre>\n" +
		"<p>Regards,<br />\n{adminsignoff}</p>"
)
