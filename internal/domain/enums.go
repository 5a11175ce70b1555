package domain

func (s FactSource) Valid() bool {
	switch s {
	case FactSourceExplicitMessage, FactSourceMetadata, FactSourceDocument, FactSourceInferred:
		return true
	}
	return false
}

func (t ContextType) Valid() bool {
	switch t {
	case ContextLegal, ContextAdministrative, ContextTemporal, ContextFinancial, ContextProcedural:
		return true
	}
	return false
}

func (c Certainty) Valid() bool {
	switch c {
	case CertaintyPossible, CertaintyProbable, CertaintyConfirmed:
		return true
	}
	return false
}

func (a Author) Valid() bool {
	return a == AuthorAI || a == AuthorHuman
}

func (t ActionType) Valid() bool {
	switch t {
	case ActionQuestion, ActionDocumentRequest, ActionAlert, ActionEscalation, ActionFormSend:
		return true
	}
	return false
}

func (t ActionTarget) Valid() bool {
	switch t {
	case TargetClient, TargetInternalUser, TargetSystem:
		return true
	}
	return false
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ValidRiskFactor reports whether v is an allowed impact or probability value.
func ValidRiskFactor(v int) bool {
	return v >= 1 && v <= 3
}
